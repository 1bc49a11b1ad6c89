// oddscalc converts prices between probability, American and decimal odds and
// prices parlays from the command line.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/phenomenon0/parlay-desk/pkg/odds"

	"github.com/shopspring/decimal"
)

var (
	// Input flags, one of these is required
	probability = flag.Float64("p", -1, "Implied probability in [0,1] to price")
	american    = flag.String("american", "", "American odds to convert, e.g. +150 or -200")
	decimalOdds = flag.Float64("decimal", 0, "Decimal odds to convert, e.g. 2.5")
	legs        = flag.String("legs", "", "Comma-separated American odds to combine into a parlay")

	// Output flags
	stake   = flag.String("stake", "", "Stake to compute the payout for")
	asJSON  = flag.Bool("json", false, "Print the result as JSON")
	maxWin  = flag.String("max-win", "", "Max profit allowed; prints the largest stake within it")
	verbose = flag.Bool("verbose", false, "Print every leg of a parlay")
)

// Result is one priced input.
type Result struct {
	Probability *float64         `json:"probability,omitempty"`
	American    string           `json:"moneylineOdds"`
	Decimal     *float64         `json:"decimalOdds,omitempty"`
	Legs        []Leg            `json:"legs,omitempty"`
	Stake       *decimal.Decimal `json:"stake,omitempty"`
	Payout      *decimal.Decimal `json:"payout,omitempty"`
	Profit      *decimal.Decimal `json:"profit,omitempty"`
	MaxStake    *decimal.Decimal `json:"maxStake,omitempty"`
}

type Leg struct {
	American string  `json:"moneylineOdds"`
	Decimal  float64 `json:"decimalOdds"`
}

func main() {
	flag.Parse()
	log.SetFlags(0)

	result, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "oddscalc: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			log.Fatalf("Failed to encode result: %v", err)
		}
		return
	}
	printResult(result)
}

func run() (*Result, error) {
	var (
		res *Result
		err error
	)
	switch {
	case *legs != "":
		res, err = priceParlay(strings.Split(*legs, ","))
	case *american != "":
		res, err = fromAmerican(*american)
	case *decimalOdds != 0:
		res, err = fromDecimal(*decimalOdds)
	case *probability >= 0:
		res = fromProbability(*probability)
	default:
		return nil, fmt.Errorf("one of -p, -american, -decimal or -legs is required")
	}
	if err != nil {
		return nil, err
	}

	if *stake != "" {
		if err := addPayout(res, *stake); err != nil {
			return nil, err
		}
	}
	if *maxWin != "" {
		if err := addMaxStake(res, *maxWin); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func fromProbability(p float64) *Result {
	res := &Result{Probability: &p, American: odds.ProbabilityToAmerican(p)}
	if d, err := odds.ProbabilityToDecimal(p); err == nil {
		res.Decimal = &d
	}
	return res
}

func fromAmerican(s string) (*Result, error) {
	d, err := odds.AmericanToDecimal(s)
	if err != nil {
		return nil, err
	}
	v, _ := odds.ParseAmerican(s)
	p, _ := odds.ImpliedProbability(d)
	return &Result{Probability: &p, American: odds.FormatAmerican(v), Decimal: &d}, nil
}

func fromDecimal(d float64) (*Result, error) {
	a, err := odds.DecimalToAmerican(d)
	if err != nil {
		return nil, err
	}
	p, _ := odds.ImpliedProbability(d)
	return &Result{Probability: &p, American: a, Decimal: &d}, nil
}

func priceParlay(prices []string) (*Result, error) {
	in := make([]odds.Leg, 0, len(prices))
	out := make([]Leg, 0, len(prices))
	for _, raw := range prices {
		price := strings.TrimSpace(raw)
		if price == "" {
			continue
		}
		d, err := odds.AmericanToDecimal(price)
		if err != nil {
			return nil, err
		}
		in = append(in, odds.Price(price))
		out = append(out, Leg{American: price, Decimal: d})
	}

	combined, err := odds.CombineLegs(in)
	if err != nil {
		return nil, err
	}
	p, _ := odds.ImpliedProbability(combined.Decimal)
	return &Result{
		Probability: &p,
		American:    combined.American,
		Decimal:     &combined.Decimal,
		Legs:        out,
	}, nil
}

func addPayout(res *Result, raw string) error {
	if res.Decimal == nil {
		return fmt.Errorf("%s cannot be staked", res.American)
	}
	s, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("stake %q: %w", raw, err)
	}
	payout, err := odds.ComputePayout(s, *res.Decimal)
	if err != nil {
		return err
	}
	total, profit := payout.Display(), payout.Profit().Round(2)
	res.Stake, res.Payout, res.Profit = &s, &total, &profit
	return nil
}

func addMaxStake(res *Result, raw string) error {
	if res.Decimal == nil {
		return fmt.Errorf("%s cannot be staked", res.American)
	}
	mw, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("max win %q: %w", raw, err)
	}
	if ms, ok := odds.MaxStake(mw, *res.Decimal); ok {
		ms = ms.RoundDown(2)
		res.MaxStake = &ms
	}
	return nil
}

func printResult(res *Result) {
	fmt.Println()
	if res.Probability != nil {
		fmt.Printf("  Probability:  %.2f%%\n", *res.Probability*100)
	}
	fmt.Printf("  American:     %s\n", res.American)
	if res.Decimal != nil {
		fmt.Printf("  Decimal:      %s\n", odds.FormatDecimal(*res.Decimal))
	}
	if len(res.Legs) > 0 {
		fmt.Printf("  Legs:         %d\n", len(res.Legs))
		if *verbose {
			for i, l := range res.Legs {
				fmt.Printf("    %d. %s (%s)\n", i+1, l.American, odds.FormatDecimal(l.Decimal))
			}
		}
	}
	if res.Stake != nil {
		fmt.Println()
		fmt.Printf("  Stake:        %s\n", res.Stake.StringFixed(2))
		fmt.Printf("  Payout:       %s\n", res.Payout.StringFixed(2))
		fmt.Printf("  Profit:       %s\n", res.Profit.StringFixed(2))
	}
	if res.MaxStake != nil {
		fmt.Printf("  Max stake:    %s\n", res.MaxStake.StringFixed(2))
	}
	fmt.Println()
}
