package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketplace-api/project/internal/platform/logging"
)

type config struct {
	APIBase                 string        `env:"LOADGEN_API_BASE" envDefault:"http://marketplace-api:8080"`
	Users                   int           `env:"LOADGEN_USERS" envDefault:"200"`
	SetupConcurrency        int           `env:"LOADGEN_SETUP_CONCURRENCY" envDefault:"25"`
	StartupWait             time.Duration `env:"LOADGEN_STARTUP_WAIT" envDefault:"2m"`
	Duration                time.Duration `env:"LOADGEN_DURATION" envDefault:"10m"`
	RampUp                  time.Duration `env:"LOADGEN_RAMP_UP" envDefault:"30s"`
	ActionsPerUserPerSecond float64       `env:"LOADGEN_ACTIONS_PER_USER_PER_SECOND" envDefault:"0.3"`
	RequestTimeout          time.Duration `env:"LOADGEN_REQUEST_TIMEOUT" envDefault:"10s"`
	MetricsAddr             string        `env:"LOADGEN_METRICS_ADDR" envDefault:":9099"`
	Password                string        `env:"LOADGEN_PASSWORD" envDefault:"load-test-pass-123"`
	Auctions                int           `env:"LOADGEN_AUCTIONS" envDefault:"50"`
}

type authResponse struct {
	Token  string `json:"token"`
	UserID string `json:"userId"`
}

type idResponse struct {
	ID string `json:"id"`
}

type simulatedUser struct {
	Index  int
	Email  string
	UserID string
	Token  string

	mu         sync.Mutex
	categories []string
	messages   []string
}

type action string

const (
	actionBid            action = "place_bid"
	actionPostMessage    action = "post_message"
	actionReply          action = "reply"
	actionCreateCategory action = "create_category"
	actionUpdateCategory action = "update_category"
)

type runner struct {
	cfg    config
	runID  string
	client *http.Client
	logger *slog.Logger

	requestsSuccess atomic.Int64
	requestsError   atomic.Int64
	activeVUs       atomic.Int64

	requestsTotal *prometheus.CounterVec
	actionsTotal  *prometheus.CounterVec
	virtualUsers  prometheus.Gauge
}

func newRunner(cfg config, logger *slog.Logger, reg prometheus.Registerer) *runner {
	r := &runner{
		cfg:    cfg,
		runID:  strconv.FormatInt(time.Now().UTC().UnixNano(), 36),
		logger: logger,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Users * 4,
				MaxIdleConnsPerHost: cfg.Users * 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_loadgen_requests_total",
			Help: "HTTP requests sent by the load generator.",
		}, []string{"endpoint", "method", "status", "outcome"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_loadgen_actions_total",
			Help: "User actions executed by the load generator.",
		}, []string{"action", "outcome"}),
		virtualUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marketplace_loadgen_virtual_users",
			Help: "Virtual users currently sending actions.",
		}),
	}
	reg.MustRegister(r.requestsTotal, r.actionsTotal, r.virtualUsers)
	return r
}

func main() {
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stdout)
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		logger.Error("parse config", "error", err)
		os.Exit(1)
	}
	if cfg.Users <= 0 || cfg.SetupConcurrency <= 0 || cfg.Auctions <= 0 {
		logger.Error("LOADGEN_USERS, LOADGEN_SETUP_CONCURRENCY and LOADGEN_AUCTIONS must be > 0")
		os.Exit(1)
	}
	cfg.APIBase = strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")

	baseCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx := baseCtx
	if cfg.Duration > 0 {
		timeoutCtx, cancel := context.WithTimeout(baseCtx, cfg.Duration)
		defer cancel()
		ctx = timeoutCtx
	}

	reg := prometheus.NewRegistry()
	r := newRunner(cfg, logger, reg)
	go runMetricsServer(cfg.MetricsAddr, reg, logger)

	if err := r.waitForHTTPStatus(ctx, cfg.APIBase+"/readyz", http.StatusOK, cfg.StartupWait); err != nil {
		logger.Error("marketplace-api not ready", "error", err)
		os.Exit(1)
	}

	users := r.setupUsers(ctx)
	if len(users) == 0 {
		logger.Error("failed to initialize any users")
		os.Exit(1)
	}
	logger.Info("load generator initialized", "users", len(users), "duration", cfg.Duration, "rate_per_user", cfg.ActionsPerUserPerSecond)

	go r.logProgress(ctx)

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runUser(ctx, u)
		}()
	}
	<-ctx.Done()
	wg.Wait()

	logger.Info("load test complete", "success_requests", r.requestsSuccess.Load(), "error_requests", r.requestsError.Load())
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expected int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == expected {
				return nil
			}
			err = fmt.Errorf("status=%d", resp.StatusCode)
		}
		lastErr = err
		time.Sleep(1200 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = errors.New("timeout")
	}
	return lastErr
}

func (r *runner) setupUsers(ctx context.Context) []*simulatedUser {
	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	var (
		mu       sync.Mutex
		users    = make([]*simulatedUser, 0, r.cfg.Users)
		failures int
		wg       sync.WaitGroup
	)
	for i := 0; i < r.cfg.Users; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			u, err := r.setupSingleUser(ctx, i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				r.logger.Warn("user setup failed", "error", err)
				return
			}
			users = append(users, u)
		}()
	}
	wg.Wait()
	r.logger.Info("user setup complete", "success", len(users), "failed", failures)
	return users
}

func (r *runner) setupSingleUser(ctx context.Context, idx int) (*simulatedUser, error) {
	u := &simulatedUser{
		Index: idx,
		Email: fmt.Sprintf("load-%s-%04d@example.com", r.runID, idx),
	}
	creds := map[string]string{"email": u.Email, "password": r.cfg.Password}

	var auth authResponse
	status, err := r.requestJSON(ctx, u, "register", http.MethodPost, "/auth/register", creds, &auth, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", u.Email, err)
	}
	if status == http.StatusConflict {
		if _, err := r.requestJSON(ctx, u, "login", http.MethodPost, "/auth/login", creds, &auth, http.StatusOK); err != nil {
			return nil, fmt.Errorf("login %s: %w", u.Email, err)
		}
	}
	if strings.TrimSpace(auth.Token) == "" {
		return nil, fmt.Errorf("empty token for %s", u.Email)
	}
	u.Token, u.UserID = auth.Token, auth.UserID
	return u, nil
}

func (r *runner) runUser(ctx context.Context, u *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration(float64(r.cfg.RampUp) / float64(max(r.cfg.Users, 1)) * float64(u.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	r.virtualUsers.Inc()
	r.activeVUs.Add(1)
	defer r.virtualUsers.Dec()
	defer r.activeVUs.Add(-1)

	interval := time.Second
	if r.cfg.ActionsPerUserPerSecond > 0 {
		interval = max(time.Duration(float64(time.Second)/r.cfg.ActionsPerUserPerSecond), 25*time.Millisecond)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(u.Index*7)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rng.Int63n(int64(interval)))):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, u, rng)
		}
	}
}

// pickAction maps a uniform draw onto the traffic mix. Actions that need an
// existing category or message fall back to creating one.
func pickAction(choice float64, hasCategory, hasMessage bool) action {
	switch {
	case choice < 0.50:
		return actionBid
	case choice < 0.70:
		return actionPostMessage
	case choice < 0.80:
		if !hasMessage {
			return actionPostMessage
		}
		return actionReply
	case choice < 0.90 && hasCategory:
		return actionUpdateCategory
	default:
		return actionCreateCategory
	}
}

func (r *runner) runAction(ctx context.Context, u *simulatedUser, rng *rand.Rand) {
	categoryID, hasCategory := u.pick(rng, &u.categories)
	messageID, hasMessage := u.pick(rng, &u.messages)

	a := pickAction(rng.Float64(), hasCategory, hasMessage)
	var err error
	switch a {
	case actionBid:
		auction := fmt.Sprintf("auction-%d", rng.Intn(r.cfg.Auctions))
		_, err = r.requestJSON(ctx, u, "place_bid", http.MethodPost, "/auctions/"+auction+"/bid",
			map[string]any{"amount": 100 + rng.Int63n(100_000)}, nil, http.StatusCreated)
	case actionPostMessage:
		var created idResponse
		_, err = r.requestJSON(ctx, u, "post_message", http.MethodPost, "/messages", map[string]string{
			"recipientId": fmt.Sprintf("seller-%d", rng.Intn(1000)),
			"listingId":   fmt.Sprintf("listing-%d", rng.Intn(1000)),
			"body":        fmt.Sprintf("Is item %d still available?", rng.Intn(1_000_000)),
		}, &created, http.StatusCreated)
		if err == nil {
			u.add(&u.messages, created.ID)
		}
	case actionReply:
		_, err = r.requestJSON(ctx, u, "reply", http.MethodPost, "/messages/"+messageID+"/reply",
			map[string]string{"body": "Yes, ships tomorrow."}, nil, http.StatusCreated)
	case actionUpdateCategory:
		_, err = r.requestJSON(ctx, u, "update_category", http.MethodPut, "/admin/categories/"+categoryID,
			map[string]string{"name": fmt.Sprintf("Load Category %d", rng.Intn(1_000_000))}, nil, http.StatusOK)
	case actionCreateCategory:
		var created idResponse
		_, err = r.requestJSON(ctx, u, "create_category", http.MethodPost, "/admin/categories",
			map[string]string{"name": fmt.Sprintf("Load Category %d", rng.Intn(1_000_000))}, &created, http.StatusCreated)
		if err == nil {
			u.add(&u.categories, created.ID)
		}
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.actionsTotal.WithLabelValues(string(a), outcome).Inc()
}

func (r *runner) requestJSON(ctx context.Context, u *simulatedUser, endpoint, method, path string, payload, out any, expected ...int) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.APIBase+path, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if u != nil && u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.requestsTotal.WithLabelValues(endpoint, method, "transport_error", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()
	responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	statusText := strconv.Itoa(resp.StatusCode)
	if slices.Contains(expected, resp.StatusCode) {
		r.requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	}

	r.requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
	r.requestsError.Add(1)
	return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logger.Info("progress",
				"success_requests", r.requestsSuccess.Load(),
				"error_requests", r.requestsError.Load(),
				"active_vus", r.activeVUs.Load(),
			)
		}
	}
}

func runMetricsServer(addr string, gatherer prometheus.Gatherer, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("load generator metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("load generator metrics server failed", "error", err)
	}
}

func (u *simulatedUser) add(ids *[]string, id string) {
	if strings.TrimSpace(id) == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	*ids = append(*ids, id)
}

func (u *simulatedUser) pick(rng *rand.Rand, ids *[]string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(*ids) == 0 {
		return "", false
	}
	return (*ids)[rng.Intn(len(*ids))], true
}

func truncate(value string, n int) string {
	if len(value) <= n {
		return value
	}
	return value[:n] + "..."
}
