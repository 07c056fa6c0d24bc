// gridcalc 离线计算网格档位，并定位给定价格所在档位。
//
//	gridcalc -lower 100 -upper 130 -count 10 -price 121,99.5
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"grid-tracker-go/grid"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "gridcalc:", err)
		os.Exit(1)
	}
}

type located struct {
	Price float64 `json:"price"`
	Index *int    `json:"index"`
}

type output struct {
	Levels  grid.Levels `json:"levels"`
	Step    float64     `json:"step"`
	Located []located   `json:"located,omitempty"`
}

func run(args []string, w io.Writer) error {
	fs := flag.NewFlagSet("gridcalc", flag.ContinueOnError)
	fs.SetOutput(w)
	lower := fs.Float64("lower", 0, "价格下限")
	upper := fs.Float64("upper", 0, "价格上限")
	count := fs.Float64("count", 10, "网格数量（整数，>= 2）")
	prices := fs.String("price", "", "逗号分隔的待定位价格")
	asJSON := fs.Bool("json", false, "以 JSON 输出")
	if err := fs.Parse(args); err != nil {
		return err
	}

	n, err := grid.GridCountFromFloat(*count)
	if err != nil {
		return err
	}
	levels, err := grid.BuildLevels(*lower, *upper, n)
	if err != nil {
		return err
	}

	out := output{Levels: levels, Step: levels.Step()}
	for _, raw := range strings.Split(*prices, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("bad price %q: %w", raw, err)
		}
		loc := located{Price: p}
		if idx, ok := levels.Locate(p); ok {
			loc.Index = &idx
		}
		out.Located = append(out.Located, loc)
	}

	if *asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tPRICE")
	for i, p := range levels {
		fmt.Fprintf(tw, "%d\t%s\n", i, strconv.FormatFloat(p, 'f', -1, 64))
	}
	fmt.Fprintf(tw, "step\t%s\n", strconv.FormatFloat(out.Step, 'f', -1, 64))
	for _, loc := range out.Located {
		idx := "below range"
		if loc.Index != nil {
			idx = strconv.Itoa(*loc.Index)
		}
		fmt.Fprintf(tw, "price %s\t-> %s\n", strconv.FormatFloat(loc.Price, 'f', -1, 64), idx)
	}
	return tw.Flush()
}
