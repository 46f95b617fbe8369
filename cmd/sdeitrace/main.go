package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/tinyrange/sdei/internal/sdei"
	"github.com/tinyrange/sdei/internal/trace"
)

func parseList[T any](s string, parse func(string) (T, error)) ([]T, error) {
	if s == "" {
		return nil, nil
	}
	var out []T
	for _, part := range strings.Split(s, ",") {
		v, err := parse(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func describe(rec trace.Record) string {
	switch rec.Kind {
	case trace.KindCall:
		return fmt.Sprintf("%v -> %v", sdei.FunctionID(rec.Arg), sdei.Status(rec.Value))
	case trace.KindDispatch, trace.KindMasked:
		return fmt.Sprintf("intr %d", rec.Arg)
	case trace.KindComplete:
		if rec.Arg != 0 {
			return "resume"
		}
		return "return"
	case trace.KindDropped:
		return fmt.Sprintf("intr %d state %v", rec.Arg, sdei.State(rec.Value))
	default:
		return ""
	}
}

func pad(s string, width int) string {
	if w := ansi.StringWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

func run() error {
	kinds := flag.String("kind", "", "comma separated record kinds (call, dispatch, complete, masked, dropped)")
	cores := flag.String("core", "", "comma separated core indexes")
	events := flag.String("event", "", "comma separated event numbers")
	limit := flag.Int("limit", 100, "limit the number of records (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N records instead of first N")
	count := flag.Bool("count", false, "print the number of matching records")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `sdeitrace - inspect SDEI trace files

USAGE:
  sdeitrace [flags] <filename>

FLAGS:
  -kind K[,K]    Only show records of these kinds
  -core C[,C]    Only show records from these cores
  -event E[,E]   Only show records for these events
  -limit N       Max records to show (default: 100, 0 for unlimited)
  -tail          Show last N records instead of first N
  -count         Print the number of matching records
  -range         Show earliest/latest timestamps and total duration

OUTPUT FORMAT:
  TIMESTAMP CORE KIND EVENT DETAIL

EXAMPLES:
  sdeitrace trace.bin
  sdeitrace -kind dispatch,complete -core 1 trace.bin
  sdeitrace -event 1804 -tail -limit 20 trace.bin
  sdeitrace -kind call -count trace.bin
`)
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, err := trace.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\n", earliest, latest, latest.Sub(earliest))
		return nil
	}

	var opts trace.SearchOptions
	if opts.Kinds, err = parseList(*kinds, trace.ParseKind); err != nil {
		return err
	}
	if opts.Cores, err = parseList(*cores, strconv.Atoi); err != nil {
		return fmt.Errorf("invalid core: %w", err)
	}
	if opts.Events, err = parseList(*events, func(s string) (int32, error) {
		v, err := strconv.ParseInt(s, 0, 32)
		return int32(v), err
	}); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	if *count {
		n, err := reader.Count(opts)
		if err != nil {
			return err
		}
		fmt.Println(n)
		return nil
	}

	if *limit > 0 {
		if *tail {
			opts.LimitEnd = int64(*limit)
		} else {
			opts.LimitStart = int64(*limit)
		}
	}

	return reader.Search(opts, func(rec trace.Record) error {
		fmt.Printf("%s %s %s %s %s\n",
			rec.Time.Format(time.RFC3339Nano),
			pad(fmt.Sprintf("core%d", rec.Core), 6),
			pad(rec.Kind.String(), 8),
			pad(strconv.Itoa(int(rec.Event)), 6),
			describe(rec))
		return nil
	})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sdeitrace: %v\n", err)
		os.Exit(1)
	}
}
