// topology prints the routing rules, queues and capability grants of a
// deployment file and checks them against the compiled-in handlers.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/marketplace-api/project/internal/grants"
	"github.com/marketplace-api/project/internal/handlers"
	"github.com/marketplace-api/project/internal/topology"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var file, format string
	var skipValidate bool

	flagSet := pflag.NewFlagSet("topology", pflag.ContinueOnError)
	flagSet.StringVar(&file, "file", "", "topology YAML file (default: built-in topology)")
	flagSet.StringVar(&format, "format", "text", "output format: text or json")
	flagSet.BoolVar(&skipValidate, "no-validate", false, "print without checking handler coverage")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	var topo *topology.Topology
	var err error
	if file == "" {
		topo, err = topology.Default()
	} else {
		topo, err = topology.Load(file)
	}
	if err != nil {
		return err
	}

	if !skipValidate {
		specs := handlers.New(nil).Specs()
		reqs := make([]grants.Requirement, 0, len(specs))
		for _, s := range specs {
			reqs = append(reqs, s.Requirement())
		}
		if err := topo.Validate(reqs); err != nil {
			return err
		}
	}

	desc := topo.Describe()
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(desc)
	case "text":
		return writeText(out, desc)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func writeText(out io.Writer, desc topology.Description) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tDETAIL-TYPE\tQUEUE")
	for _, r := range desc.Routes {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Source, r.Type, r.Queue)
	}
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "QUEUE\tVISIBILITY")
	for _, q := range desc.Queues {
		fmt.Fprintf(tw, "%s\t%s\n", q.Name, q.VisibilityTimeout)
	}
	fmt.Fprintln(tw)

	names := make([]string, 0, len(desc.Grants))
	for h := range desc.Grants {
		names = append(names, h)
	}
	sort.Strings(names)
	fmt.Fprintln(tw, "HANDLER\tGRANT")
	for _, h := range names {
		for _, g := range desc.Grants[h] {
			fmt.Fprintf(tw, "%s\t%s\n", h, g)
		}
	}
	return tw.Flush()
}
