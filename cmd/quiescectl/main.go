package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spin-stack/quiesce/api/client"
	v1 "github.com/spin-stack/quiesce/api/quiesce/v1"
	"github.com/spin-stack/quiesce/internal/version"
)

const defaultSocket = "/run/quiesce/quiesced.sock"

func usage() {
	fmt.Fprintf(os.Stderr, `usage: quiescectl [flags] <command>

Commands:
  halt    -holder NAME -cpus LIST   halt a set of CPUs
  resume  -holder NAME -cpus LIST   release a hold on a set of CPUs
  status                            show per-CPU state and holds
  ping                              check daemon liveness

CPU lists use the kernel cpulist format, e.g. "0,2-3".

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	var (
		socketPath  string
		timeout     time.Duration
		showVersion bool
	)
	flag.StringVar(&socketPath, "socket", defaultSocket, "Path to the quiesced unix socket")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Println("quiescectl", version.Info())
		return
	}
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c := client.New(socketPath)
	cmd, args := flag.Arg(0), flag.Args()[1:]

	var err error
	switch cmd {
	case "halt", "pause":
		err = cpusOp(ctx, c.Halt, args)
	case "resume":
		err = cpusOp(ctx, c.Resume, args)
	case "status":
		err = status(ctx, c)
	case "ping":
		err = ping(ctx, c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "quiescectl:", err)
		os.Exit(1)
	}
}

type opFunc func(ctx context.Context, holder, cpus string) (*v1.CpusResponse, error)

func cpusOp(ctx context.Context, op opFunc, args []string) error {
	fs := flag.NewFlagSet("cpus", flag.ExitOnError)
	holder := fs.String("holder", "", "Holder name the hold is accounted to")
	cpus := fs.String("cpus", "", "CPU list, e.g. \"0,2-3\"")
	fs.Parse(args)

	if *holder == "" || *cpus == "" {
		return fmt.Errorf("-holder and -cpus are required")
	}

	res, err := op(ctx, *holder, *cpus)
	if err != nil {
		if res != nil && res.Failed != "" {
			fmt.Fprintf(os.Stderr, "failed on cpu %s; transitioned %q before the failure\n",
				res.Failed, res.Transitioned)
		}
		return err
	}

	if res.Transitioned != "" {
		fmt.Println("transitioned:", res.Transitioned)
	}
	if res.RefOnly != "" {
		fmt.Println("ref only:   ", res.RefOnly)
	}
	return nil
}

func status(ctx context.Context, c *client.Client) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CPU\tONLINE\tHALTED\tREFS")
	for _, cpu := range st.Cpus {
		fmt.Fprintf(w, "%d\t%v\t%v\t%d\n", cpu.CPU, cpu.Online, cpu.Halted, cpu.RefCount)
	}
	w.Flush()

	if len(st.Holds) > 0 {
		fmt.Println()
		w = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HOLDER\tCPUS")
		for _, h := range st.Holds {
			fmt.Fprintf(w, "%s\t%s\n", h.Holder, h.Cpus)
		}
		w.Flush()
	}
	return nil
}

func ping(ctx context.Context, c *client.Client) error {
	v, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Println("ok, server version", v)
	return nil
}
