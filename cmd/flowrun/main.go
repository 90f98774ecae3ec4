// Command flowrun validates and executes workflow declarations.
//
// Usage:
//
//	flowrun validate workflow.json
//	flowrun run workflow.json -input "draw a sunset" [-dry-run] [-timeout 120s]
//
// The run subcommand prints the execution result as JSON. With -dry-run,
// external services are replaced by mock adapters so a declaration can be
// exercised end to end without credentials.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/agentflow-io/agentflow/infrastructure/adapters"
	"github.com/agentflow-io/agentflow/infrastructure/behaviors"
	"github.com/agentflow-io/agentflow/infrastructure/middleware"
	"github.com/agentflow-io/agentflow/internal/application"
	"github.com/agentflow-io/agentflow/internal/domain"
	"github.com/agentflow-io/agentflow/internal/ports"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "validate":
		err = runValidate(os.Args[2:])
	case "run":
		err = runExecute(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: flowrun <validate|run> <workflow.json|.yaml> [flags]")
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("validate requires exactly one declaration file")
	}

	_, err := application.NewLoader().LoadFromFile(fs.Arg(0))
	if err != nil {
		var verrs domain.ValidationErrors
		if errors.As(err, &verrs) {
			out, _ := json.MarshalIndent(verrs, "", "  ")
			fmt.Println(string(out))
			os.Exit(1)
		}
		return err
	}
	fmt.Println("valid")
	return nil
}

func runExecute(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	input := fs.String("input", "", "user input text seeding the execution")
	dryRun := fs.Bool("dry-run", false, "use mock adapters instead of real external services")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall execution timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run requires exactly one declaration file")
	}

	spec, err := application.NewLoader().LoadFromFile(fs.Arg(0))
	if err != nil {
		var verrs domain.ValidationErrors
		if errors.As(err, &verrs) {
			out, _ := json.MarshalIndent(verrs, "", "  ")
			fmt.Fprintln(os.Stderr, string(out))
			os.Exit(1)
		}
		return err
	}

	metrics := middleware.NewPrometheusMetrics(nil)

	var adapterSet ports.AdapterSet
	if *dryRun {
		adapterSet = adapters.MockAdapterSet()
	} else {
		adapterSet = adapters.DefaultAdapterSet(metrics)
	}

	graph, err := application.Compile(spec, application.CompileOptions{
		Factories: behaviors.Factories(behaviors.Deps{
			Adapters:  adapterSet,
			Estimator: adapters.NewCachingTokenEstimator(adapters.NewWordTokenEstimator(0), 1000),
		}),
		Metrics: metrics,
	})
	if err != nil {
		return err
	}
	defer graph.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	initial := domain.FromMap(map[string]any{
		domain.KeyUserInput.Name(): *input,
	})
	result := graph.Execute(ctx, initial)

	out, err := json.MarshalIndent(map[string]any{
		"status":  result.Status,
		"state":   result.FinalState.Export(),
		"metrics": result.Metrics,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(out))

	if result.Status != domain.StatusSuccess {
		os.Exit(1)
	}
	return nil
}
