package odds

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatAmerican renders a signed American price with an explicit sign and
// thousands separators: 150 -> "+150", -1500 -> "-1,500".
func FormatAmerican(v int) string {
	if v > 0 {
		return printer.Sprintf("+%d", v)
	}
	return printer.Sprintf("%d", v)
}

// FormatDecimal renders decimal odds with two places, e.g. 3.75 -> "3.75".
func FormatDecimal(d float64) string {
	return printer.Sprintf("%.2f", d)
}
