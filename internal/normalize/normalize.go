// Package normalize turns raw scraped strings into typed values: prices,
// mileages, years, departments, seller types, make/model/version splits.
// All functions are pure; "don't know" is a nil pointer or empty string.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/yesmonga/voiture-radar/internal/domain"
)

var (
	pricePattern   = regexp.MustCompile(`(\d[\d\s\x{202f}\x{00a0}.,]*)\s*€`)
	kmPattern      = regexp.MustCompile(`(?i)(\d[\d\s\x{202f}\x{00a0}.,]*)\s*km`)
	yearPattern    = regexp.MustCompile(`\b(19[89]\d|20[0-3]\d)\b`)
	postalPattern  = regexp.MustCompile(`\b(\d{5})\b`)
	parenPattern   = regexp.MustCompile(`\((\d{2}[AB]?)\)`)
	phonePattern   = regexp.MustCompile(`(?:0|\+33[\s.\-]?)[1-9](?:[\s.\-]?\d{2}){4}`)
	powerPattern   = regexp.MustCompile(`(?i)(\d{2,3})\s*(?:ch|cv|hp)\b`)
	digitsPattern  = regexp.MustCompile(`\D`)
	spacesPattern  = regexp.MustCompile(`\s+`)
	engineTagFirst = regexp.MustCompile(`(?i)(\d\.\d)\s*(hdi|dci|tdi|vti|tce|dti|cdti|jtd|d-4d|bluehdi|blue\s*hdi)`)
	engineTagDispl = regexp.MustCompile(`(?i)(\d\.\d)\s*(l|litres?)?\b`)
	modelTrim      = regexp.MustCompile(`(?i)\d+\.\d+\s*(hdi|dci|tdi|vti|tce|dti|cdti|jtd).*`)
	modelTrimPower = regexp.MustCompile(`(?i)\d+\s*(ch|cv).*`)
)

var accentFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// RemoveAccents strips diacritics: "Négociable" becomes "Negociable".
func RemoveAccents(text string) string {
	if text == "" {
		return ""
	}
	out, _, err := transform.String(accentFold, text)
	if err != nil {
		return text
	}
	return out
}

// NormalizeText lowercases and collapses whitespace.
func NormalizeText(text string) string {
	if text == "" {
		return ""
	}
	return spacesPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")
}

// CleanForMatching reduces text to bare lowercase alphanumerics.
func CleanForMatching(text string) string {
	text = RemoveAccents(NormalizeText(text))
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ParsePrice extracts a price in euros. Handles "2 500 €", "2.500€",
// narrow/no-break spaces and bare digit groups. Prices outside
// [100, 100000] are rejected as noise.
func ParsePrice(text string) *int {
	if text == "" {
		return nil
	}
	var digits string
	if m := pricePattern.FindStringSubmatch(text); m != nil {
		digits = digitsPattern.ReplaceAllString(m[1], "")
	} else {
		digits = digitsPattern.ReplaceAllString(text, "")
	}
	if digits == "" {
		return nil
	}
	price, err := strconv.Atoi(digits)
	if err != nil || price < 100 || price > 100000 {
		return nil
	}
	return &price
}

// ParseKm extracts a mileage: first numeric group followed by "km".
// Values outside [100, 500000] are rejected.
func ParseKm(text string) *int {
	if text == "" {
		return nil
	}
	m := kmPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	digits := digitsPattern.ReplaceAllString(m[1], "")
	if digits == "" {
		return nil
	}
	km, err := strconv.Atoi(digits)
	if err != nil || km < 100 || km > 500000 {
		return nil
	}
	return &km
}

// ParseYear returns the most recent plausible model year in the text,
// bounded by [1980, current year + 1].
func ParseYear(text string) *int {
	if text == "" {
		return nil
	}
	maxYear := time.Now().Year() + 1
	var best int
	for _, m := range yearPattern.FindAllString(text, -1) {
		year, err := strconv.Atoi(m)
		if err != nil || year < 1980 || year > maxYear {
			continue
		}
		if year > best {
			best = year
		}
	}
	if best == 0 {
		return nil
	}
	return &best
}

// ParseDepartment extracts a two-character French department code from a
// postal code or a "(NN)" group. Corsican postal codes 20xxx map to 2A/2B.
func ParseDepartment(text string) string {
	if text == "" {
		return ""
	}
	if m := postalPattern.FindStringSubmatch(text); m != nil {
		return departmentFromPostal(m[1])
	}
	if m := parenPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// departmentFromPostal maps a 5-digit postal code to its department.
// 200xx/201xx is Corse-du-Sud (2A), 202xx/206xx is Haute-Corse (2B).
func departmentFromPostal(postal string) string {
	if strings.HasPrefix(postal, "20") {
		switch postal[2] {
		case '0', '1':
			return "2A"
		case '2', '6':
			return "2B"
		}
		return "2A"
	}
	return postal[:2]
}

// ParsePostalCode extracts a 5-digit postal code.
func ParsePostalCode(text string) string {
	if m := postalPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

// ParsePower extracts engine power in hp, bounded to [40, 500].
func ParsePower(text string) *int {
	if text == "" {
		return nil
	}
	m := powerPattern.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	power, err := strconv.Atoi(m[1])
	if err != nil || power < 40 || power > 500 {
		return nil
	}
	return &power
}

// ExtractPhone finds a French phone number and strips the separators.
func ExtractPhone(text string) string {
	m := phonePattern.FindString(text)
	if m == "" {
		return ""
	}
	return strings.NewReplacer(" ", "", ".", "", "-", "").Replace(m)
}

var sellerProHints = []string{
	"professionnel", "pro", "garage", "concessionnaire",
	"marchand", "négociant", "negociant", "société", "societe", "sarl", "sas", "eurl",
}

var sellerPrivateHints = []string{"particulier", "privé", "prive", "private", "owner"}

// ParseSellerType detects private seller vs. dealer from free text.
func ParseSellerType(text string) domain.SellerType {
	if text == "" {
		return domain.SellerUnknown
	}
	v := strings.ToLower(text)
	for _, h := range sellerProHints {
		if strings.Contains(v, h) {
			return domain.SellerProfessional
		}
	}
	for _, h := range sellerPrivateHints {
		if strings.Contains(v, h) {
			return domain.SellerParticulier
		}
	}
	return domain.SellerUnknown
}

// ExtractMotorisation pulls an engine tag like "1.6 hdi" or "90 ch".
func ExtractMotorisation(text string) string {
	if text == "" {
		return ""
	}
	if m := engineTagFirst.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	if m := engineTagDispl.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	if m := powerPattern.FindString(text); m != "" {
		return strings.TrimSpace(m)
	}
	return ""
}

// makeCorrections maps common brand spellings to the canonical form.
var makeCorrections = map[string]string{
	"vw":       "Volkswagen",
	"volks":    "Volkswagen",
	"mercedes": "Mercedes-Benz",
	"mb":       "Mercedes-Benz",
	"alfa":     "Alfa Romeo",
	"citroen":  "Citroën",
}

// NormalizeMake canonicalises a brand name.
func NormalizeMake(make string) string {
	if make == "" {
		return ""
	}
	make = strings.TrimSpace(make)
	if corrected, ok := makeCorrections[CleanForMatching(make)]; ok {
		return corrected
	}
	return titleCase(make)
}

// titleCase uppercases the first letter of each space- or dash-separated word.
func titleCase(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	upper := true
	for _, r := range s {
		if upper && unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeModel strips engine/power suffixes from a model name.
func NormalizeModel(model string) string {
	if model == "" {
		return ""
	}
	model = modelTrim.ReplaceAllString(strings.TrimSpace(model), "")
	model = modelTrimPower.ReplaceAllString(model, "")
	return titleCase(strings.TrimSpace(model))
}

// knownMakes are brands recognised verbatim in titles.
var knownMakes = []string{
	"Peugeot", "Renault", "Citroën", "Citroen", "Dacia", "Ford",
	"Volkswagen", "VW", "Toyota", "Opel", "Fiat", "Nissan",
	"Hyundai", "Kia", "Seat", "Skoda", "BMW", "Mercedes", "Audi",
}

// modelToMake infers the brand when a title starts with a bare model name,
// which is common on private-seller listings ("207 1.4 HDi 70ch").
var modelToMake = map[string]string{
	"106": "Peugeot", "107": "Peugeot", "108": "Peugeot",
	"206": "Peugeot", "207": "Peugeot", "208": "Peugeot",
	"306": "Peugeot", "307": "Peugeot", "308": "Peugeot",
	"406": "Peugeot", "407": "Peugeot", "408": "Peugeot",
	"2008": "Peugeot", "3008": "Peugeot", "5008": "Peugeot",
	"partner": "Peugeot", "expert": "Peugeot",
	"clio": "Renault", "megane": "Renault", "twingo": "Renault",
	"scenic": "Renault", "captur": "Renault", "kadjar": "Renault",
	"laguna": "Renault", "kangoo": "Renault", "trafic": "Renault",
	"c1": "Citroën", "c2": "Citroën", "c3": "Citroën",
	"c4": "Citroën", "c5": "Citroën", "c6": "Citroën",
	"berlingo": "Citroën", "picasso": "Citroën", "saxo": "Citroën",
	"sandero": "Dacia", "logan": "Dacia", "duster": "Dacia",
	"stepway": "Dacia", "dokker": "Dacia", "lodgy": "Dacia",
	"fiesta": "Ford", "focus": "Ford", "ka": "Ford",
	"mondeo": "Ford", "kuga": "Ford", "c-max": "Ford",
	"polo": "Volkswagen", "golf": "Volkswagen", "passat": "Volkswagen",
	"tiguan": "Volkswagen", "touran": "Volkswagen", "caddy": "Volkswagen",
	"yaris": "Toyota", "aygo": "Toyota", "corolla": "Toyota",
	"auris": "Toyota", "rav4": "Toyota", "c-hr": "Toyota",
	"corsa": "Opel", "astra": "Opel", "meriva": "Opel",
	"mokka": "Opel", "zafira": "Opel", "insignia": "Opel",
	"punto": "Fiat", "panda": "Fiat", "500": "Fiat",
	"tipo": "Fiat", "doblo": "Fiat", "bravo": "Fiat",
}

// modelDisplay preserves the conventional casing for inferred model names.
var modelDisplay = func() map[string]string {
	display := map[string]string{
		"c-max": "C-Max", "c-hr": "C-HR", "rav4": "RAV4",
		"c1": "C1", "c2": "C2", "c3": "C3", "c4": "C4", "c5": "C5", "c6": "C6",
	}
	return display
}()

// ParseTitle splits a listing title into (make, model, version). Known makes
// are recognised first; a bare known model infers its make. Whatever remains
// is the version string.
func ParseTitle(title string) (string, string, string) {
	title = strings.TrimSpace(title)
	if title == "" {
		return "", "", ""
	}

	make := ""
	version := title

	titleLower := strings.ToLower(title)
	for _, m := range knownMakes {
		if strings.Contains(titleLower, strings.ToLower(m)) {
			make = m
			idx := strings.Index(strings.ToLower(version), strings.ToLower(m))
			version = strings.TrimSpace(version[:idx] + version[idx+len(m):])
			break
		}
	}

	model := ""
	inferred := false
	words := strings.Fields(version)
	limit := len(words)
	if limit > 3 {
		limit = 3
	}
	for i := 0; i < limit && model == ""; i++ {
		wordClean := CleanForMatching(words[i])
		if canonical, ok := modelToMake[wordClean]; ok {
			model = displayModel(wordClean)
			inferred = true
			version = strings.Join(append(append([]string{}, words[:i]...), words[i+1:]...), " ")
			if make == "" {
				make = canonical
			}
		}
	}
	if model == "" && len(words) > 0 {
		model = words[0]
		version = strings.Join(words[1:], " ")
	}

	if make == "" {
		if canonical, ok := modelToMake[CleanForMatching(model)]; ok {
			make = canonical
		}
	}

	if !inferred {
		model = NormalizeModel(model)
	}
	return NormalizeMake(make), model, strings.TrimSpace(version)
}

func displayModel(clean string) string {
	if d, ok := modelDisplay[clean]; ok {
		return d
	}
	return titleCase(clean)
}
