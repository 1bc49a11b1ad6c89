package odds

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestProbabilityToAmerican(t *testing.T) {
	tests := []struct {
		name string
		p    float64
		want string
	}{
		{"zero", 0, NotAvailable},
		{"negative", -0.2, NotAvailable},
		{"one", 1, Certain},
		{"above one", 1.3, Certain},
		{"even money boundary", 0.5, "+100"},
		{"underdog 20%", 0.2, "+400"},
		{"underdog 40%", 0.4, "+150"},
		{"just past even", 0.51, "-204"},
		{"favorite 2/3", 2.0 / 3.0, "-300"},
		{"favorite 80%", 0.8, "-500"},
		{"heavy favorite", 0.95, "-2,000"},
		{"near certain", 0.999, "-100,000"},
		{"long shot", 0.01, "+9,900"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ProbabilityToAmerican(tt.p); got != tt.want {
				t.Errorf("ProbabilityToAmerican(%v) = %q, want %q", tt.p, got, tt.want)
			}
		})
	}
}

// A favorite and an underdog at complementary probabilities quote different
// magnitudes: 0.8 and 0.2 price at -500 and +400.
func TestProbabilityToAmerican_ComplementaryPair(t *testing.T) {
	if got := ProbabilityToAmerican(0.8); got != "-500" {
		t.Errorf("favorite = %q, want -500", got)
	}
	if got := ProbabilityToAmerican(0.2); got != "+400" {
		t.Errorf("underdog = %q, want +400", got)
	}
}

func TestProbabilityToAmerican_Separators(t *testing.T) {
	tests := []struct {
		p    float64
		want string
	}{
		{0.001, "+99,900"},
		{0.0001, "+999,900"},
		{0.99, "-10,000"},
	}
	for _, tt := range tests {
		if got := ProbabilityToAmerican(tt.p); got != tt.want {
			t.Errorf("ProbabilityToAmerican(%v) = %q, want %q", tt.p, got, tt.want)
		}
	}
}

func TestAmericanToDecimal(t *testing.T) {
	tests := []struct {
		odds string
		want float64
	}{
		{"+100", 2.0},
		{"+150", 2.5},
		{"+1,000", 11.0},
		{"-200", 1.5},
		{"-110", 1.909090909},
		{"200", 1.5},
		{"-1,900", 1.052631579},
	}

	for _, tt := range tests {
		t.Run(tt.odds, func(t *testing.T) {
			got, err := AmericanToDecimal(tt.odds)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if math.Abs(got-tt.want) > 0.0001 {
				t.Errorf("AmericanToDecimal(%q) = %f, want %f", tt.odds, got, tt.want)
			}
			if got <= 1 {
				t.Errorf("AmericanToDecimal(%q) = %f, want > 1", tt.odds, got)
			}
		})
	}
}

func TestAmericanToDecimal_InvalidFormat(t *testing.T) {
	for _, s := range []string{"", "abc", "+", "1.5", "++100", ",100", "N/A", Certain, "+0", "-0,0"} {
		if _, err := AmericanToDecimal(s); !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("AmericanToDecimal(%q) error = %v, want ErrInvalidFormat", s, err)
		}
	}
}

func TestDecimalToAmerican(t *testing.T) {
	tests := []struct {
		decimal float64
		want    string
	}{
		{2.0, "-100"},
		{2.5, "+150"},
		{3.75, "+275"},
		{1.5, "-200"},
		{1.25, "-400"},
		{21.0, "+2,000"},
		{1.05, "-2,000"},
	}

	for _, tt := range tests {
		got, err := DecimalToAmerican(tt.decimal)
		if err != nil {
			t.Fatalf("DecimalToAmerican(%v): %v", tt.decimal, err)
		}
		if got != tt.want {
			t.Errorf("DecimalToAmerican(%v) = %q, want %q", tt.decimal, got, tt.want)
		}
	}
}

func TestDecimalToAmerican_OutOfDomain(t *testing.T) {
	for _, d := range []float64{1, 0.5, 0, -3, math.NaN(), math.Inf(1)} {
		if _, err := DecimalToAmerican(d); !errors.Is(err, ErrOutOfDomain) {
			t.Errorf("DecimalToAmerican(%v) error = %v, want ErrOutOfDomain", d, err)
		}
	}
}

// pointsFromEven maps an American price onto a continuous scale where -100 and
// +100 both sit at zero.
func pointsFromEven(t *testing.T, s string) int {
	t.Helper()
	v, err := ParseAmerican(s)
	if err != nil {
		t.Fatalf("ParseAmerican(%q): %v", s, err)
	}
	if v > 0 {
		return v - 100
	}
	return v + 100
}

func TestRoundTrip(t *testing.T) {
	for i := 1; i < 1000; i++ {
		p := float64(i) / 1000
		a := ProbabilityToAmerican(p)

		d, err := AmericanToDecimal(a)
		if err != nil {
			t.Fatalf("p=%v: AmericanToDecimal(%q): %v", p, a, err)
		}
		back, err := DecimalToAmerican(d)
		if err != nil {
			t.Fatalf("p=%v: DecimalToAmerican(%v): %v", p, d, err)
		}

		diff := pointsFromEven(t, a) - pointsFromEven(t, back)
		if diff < -1 || diff > 1 {
			t.Errorf("p=%v: %q round-tripped to %q", p, a, back)
		}
	}
}

func TestFavoriteMonotonicity(t *testing.T) {
	prev := 0
	for i := 501; i < 1000; i++ {
		p := float64(i) / 1000
		v, err := ParseAmerican(ProbabilityToAmerican(p))
		if err != nil {
			t.Fatalf("p=%v: %v", p, err)
		}
		if v > 0 {
			t.Fatalf("p=%v priced as underdog %d", p, v)
		}
		if -v < prev {
			t.Errorf("p=%v: magnitude %d below previous %d", p, -v, prev)
		}
		prev = -v
	}
}

func TestCombineLegs_SingleLegIdentity(t *testing.T) {
	for _, price := range []string{"+150", "-200", "-1,500", "+100"} {
		c, err := CombineLegs([]Leg{Price(price)})
		if err != nil {
			t.Fatalf("CombineLegs(%q): %v", price, err)
		}
		if c.American != price {
			t.Errorf("CombineLegs(%q).American = %q", price, c.American)
		}
		if c.Legs != 1 {
			t.Errorf("Legs = %d, want 1", c.Legs)
		}
	}
}

func TestCombineLegs_Parlay(t *testing.T) {
	c, err := CombineLegs([]Leg{Price("+150"), Price("-200")})
	if err != nil {
		t.Fatalf("CombineLegs failed: %v", err)
	}
	if math.Abs(c.Decimal-3.75) > 1e-9 {
		t.Errorf("Decimal = %v, want 3.75", c.Decimal)
	}
	if c.American != "+275" {
		t.Errorf("American = %q, want +275", c.American)
	}

	payout, err := ComputePayout(decimal.NewFromInt(10), c.Decimal)
	if err != nil {
		t.Fatalf("ComputePayout failed: %v", err)
	}
	if !payout.Display().Equal(decimal.NewFromFloat(37.50)) {
		t.Errorf("payout = %s, want 37.50", payout.Display())
	}
}

func TestCombineLegs_Commutative(t *testing.T) {
	pairs := [][2]string{
		{"+150", "-200"},
		{"-110", "-110"},
		{"+320", "-145"},
		{"+1,200", "-1,050"},
	}
	for _, pair := range pairs {
		ab, err := CombineLegs([]Leg{Price(pair[0]), Price(pair[1])})
		if err != nil {
			t.Fatalf("CombineLegs(%v): %v", pair, err)
		}
		ba, err := CombineLegs([]Leg{Price(pair[1]), Price(pair[0])})
		if err != nil {
			t.Fatalf("CombineLegs(%v): %v", pair, err)
		}
		if ab.American != ba.American {
			t.Errorf("%v: %q != %q", pair, ab.American, ba.American)
		}
	}
}

func TestCombineLegs_EveryLegContributes(t *testing.T) {
	c, err := CombineLegs([]Leg{Price("+100"), Price("+100"), Price("+100")})
	if err != nil {
		t.Fatalf("CombineLegs failed: %v", err)
	}
	if c.Decimal != 8 {
		t.Errorf("Decimal = %v, want 8", c.Decimal)
	}
	if c.American != "+700" {
		t.Errorf("American = %q, want +700", c.American)
	}
}

func TestCombineLegs_Errors(t *testing.T) {
	if _, err := CombineLegs(nil); !errors.Is(err, ErrNoLegs) {
		t.Errorf("empty legs error = %v, want ErrNoLegs", err)
	}
	if _, err := CombineLegs([]Leg{Price("+150"), Price("N/A")}); !errors.Is(err, ErrInvalidFormat) {
		t.Errorf("bad leg error = %v, want ErrInvalidFormat", err)
	}
}

func TestComputePayout_Single(t *testing.T) {
	d, err := AmericanToDecimal("+150")
	if err != nil {
		t.Fatal(err)
	}
	p, err := ComputePayout(decimal.NewFromInt(10), d)
	if err != nil {
		t.Fatalf("ComputePayout failed: %v", err)
	}
	if !p.Display().Equal(decimal.NewFromInt(25)) {
		t.Errorf("payout = %s, want 25.00", p.Display())
	}
	if !p.Profit().Equal(decimal.NewFromInt(15)) {
		t.Errorf("profit = %s, want 15.00", p.Profit())
	}
}

func TestComputePayout_KeepsUnroundedTotal(t *testing.T) {
	d, _ := AmericanToDecimal("-110")
	p, err := ComputePayout(decimal.NewFromInt(10), d)
	if err != nil {
		t.Fatal(err)
	}
	if p.Total.Equal(p.Display()) {
		t.Errorf("expected unrounded total, got %s", p.Total)
	}
	if !p.Display().Equal(decimal.RequireFromString("19.09")) {
		t.Errorf("display = %s, want 19.09", p.Display())
	}
}

func TestComputePayout_Errors(t *testing.T) {
	if _, err := ComputePayout(decimal.NewFromInt(-1), 2); !errors.Is(err, ErrNegativeStake) {
		t.Errorf("negative stake error = %v", err)
	}
	if _, err := ComputePayout(decimal.NewFromInt(1), 1); !errors.Is(err, ErrOutOfDomain) {
		t.Errorf("decimal 1 error = %v", err)
	}
	p, err := ComputePayout(decimal.Zero, 2)
	if err != nil || !p.Total.IsZero() {
		t.Errorf("zero stake: %v, %s", err, p.Total)
	}
}

func TestMaxStake(t *testing.T) {
	stake, ok := MaxStake(decimal.NewFromInt(1000), 3.0)
	if !ok {
		t.Fatal("expected bound")
	}
	if !stake.Equal(decimal.NewFromInt(500)) {
		t.Errorf("MaxStake = %s, want 500", stake)
	}

	if _, ok := MaxStake(decimal.NewFromInt(1000), 1.0); ok {
		t.Error("multiplier 1 should not produce a bound")
	}
}

func TestFormatAmerican(t *testing.T) {
	tests := map[int]string{
		150:    "+150",
		-110:   "-110",
		-1500:  "-1,500",
		12000:  "+12,000",
		-10000: "-10,000",
	}
	for v, want := range tests {
		if got := FormatAmerican(v); got != want {
			t.Errorf("FormatAmerican(%d) = %q, want %q", v, got, want)
		}
	}
}

func TestImpliedProbability(t *testing.T) {
	p, err := ImpliedProbability(4)
	if err != nil || p != 0.25 {
		t.Errorf("ImpliedProbability(4) = %v, %v", p, err)
	}
	d, err := ProbabilityToDecimal(0.25)
	if err != nil || d != 4 {
		t.Errorf("ProbabilityToDecimal(0.25) = %v, %v", d, err)
	}
	if _, err := ProbabilityToDecimal(1); !errors.Is(err, ErrOutOfDomain) {
		t.Errorf("ProbabilityToDecimal(1) error = %v", err)
	}
}
