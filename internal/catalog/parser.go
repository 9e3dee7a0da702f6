package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/partsbay/harvester/internal/domain"
)

// Selectors drive the goquery parser. Defaults match the upstream catalog
// markup; operators override them from config when the markup shifts.
type Selectors struct {
	Entry      string `mapstructure:"entry"`
	Link       string `mapstructure:"link"`
	Title      string `mapstructure:"title"`
	Seller     string `mapstructure:"seller"`
	Price      string `mapstructure:"price"`
	Next       string `mapstructure:"next"`
	StopMarker string `mapstructure:"stop_marker"`

	// Detail page selectors.
	DetailTitle     string `mapstructure:"detail_title"`
	DetailPrice     string `mapstructure:"detail_price"`
	DetailDelivery  string `mapstructure:"detail_delivery"`
	DetailLocation  string `mapstructure:"detail_location"`
	DetailCondition string `mapstructure:"detail_condition"`
	DetailSeller    string `mapstructure:"detail_seller"`
	DetailSpecRow   string `mapstructure:"detail_spec_row"`
	DetailSpecKey   string `mapstructure:"detail_spec_key"`
	DetailSpecValue string `mapstructure:"detail_spec_value"`
}

// DefaultSelectors returns the selectors for the upstream's current markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Entry:      "li.s-item",
		Link:       "a.s-item__link",
		Title:      ".s-item__title",
		Seller:     ".s-item__seller-info-text",
		Price:      ".s-item__price",
		Next:       "a.pagination__next",
		StopMarker: "li.srp-river-answer",

		DetailTitle:     "h1.x-item-title__mainTitle",
		DetailPrice:     ".x-price-primary",
		DetailDelivery:  ".ux-labels-values--shipping .ux-textspans--BOLD",
		DetailLocation:  ".ux-labels-values--itemLocation .ux-textspans--SECONDARY",
		DetailCondition: ".x-item-condition-text .ux-textspans",
		DetailSeller:    ".x-sellercard-atf__info__about-seller a span",
		DetailSpecRow:   ".ux-layout-section-evo__row .ux-labels-values",
		DetailSpecKey:   ".ux-labels-values__labels",
		DetailSpecValue: ".ux-labels-values__values",
	}
}

// Parser is the goquery-backed PageParser.
type Parser struct {
	sel Selectors
}

// NewParser creates a parser with the given selectors. Zero selectors fall
// back to the defaults field by field.
func NewParser(sel Selectors) *Parser {
	def := DefaultSelectors()
	if sel.Entry == "" {
		sel = def
	}
	return &Parser{sel: sel}
}

// ParseCatalogPage extracts the entries of one results page. A stop-marker
// row ("results matching fewer words") becomes an entry with StopMarker set,
// in document order, so the pipeline can cut the scan at the right point.
func (p *Parser) ParseCatalogPage(html string) (*domain.CatalogPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog page: %w", err)
	}

	page := &domain.CatalogPage{}

	doc.Find(p.sel.Entry + ", " + p.sel.StopMarker).Each(func(_ int, s *goquery.Selection) {
		if s.Is(p.sel.StopMarker) {
			page.Entries = append(page.Entries, domain.CatalogEntry{StopMarker: true})
			return
		}

		entry := domain.CatalogEntry{
			Title:  strings.TrimSpace(s.Find(p.sel.Title).First().Text()),
			Seller: parseSeller(s.Find(p.sel.Seller).First().Text()),
		}
		entry.Href, _ = s.Find(p.sel.Link).First().Attr("href")
		entry.Price = parsePrice(s.Find(p.sel.Price).First().Text())

		// Placeholder rows without a link are layout noise.
		if entry.Href == "" {
			return
		}
		page.Entries = append(page.Entries, entry)
	})

	next := doc.Find(p.sel.Next).First()
	if next.Length() > 0 {
		disabled, _ := next.Attr("aria-disabled")
		page.HasNext = disabled != "true"
	}

	return page, nil
}

// ParseDetailPage extracts the stored fields and specifics of one listing.
func (p *Parser) ParseDetailPage(html string) (*domain.ItemDetail, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse detail page: %w", err)
	}

	detail := &domain.ItemDetail{}

	title := strings.TrimSpace(doc.Find(p.sel.DetailTitle).First().Text())
	if title != "" {
		title = domain.Truncate(title, domain.MaxTitleLen)
		detail.Item.Title = &title
	}

	if price := parsePrice(doc.Find(p.sel.DetailPrice).First().Text()); price != nil {
		detail.Item.PriceWithoutDelivery = *price
	}
	if delivery := parsePrice(doc.Find(p.sel.DetailDelivery).First().Text()); delivery != nil {
		detail.Item.DeliveryPrice = *delivery
	}

	if location := strings.TrimSpace(doc.Find(p.sel.DetailLocation).First().Text()); location != "" {
		location = domain.Truncate(location, domain.MaxLocationLen)
		detail.Item.Location = &location
	}

	detail.Item.Condition = strings.TrimSpace(doc.Find(p.sel.DetailCondition).First().Text())
	detail.Item.Seller = strings.TrimSpace(doc.Find(p.sel.DetailSeller).First().Text())

	doc.Find(p.sel.DetailSpecRow).Each(func(_ int, s *goquery.Selection) {
		key := strings.TrimSpace(s.Find(p.sel.DetailSpecKey).First().Text())
		value := strings.TrimSpace(s.Find(p.sel.DetailSpecValue).First().Text())
		if key == "" || value == "" {
			return
		}
		detail.Specifics = append(detail.Specifics, domain.SpecificPair{
			Key:   domain.Truncate(key, domain.MaxSpecificKeyLen),
			Value: domain.Truncate(value, domain.MaxSpecificValueLen),
		})
	})

	return detail, nil
}

var priceRe = regexp.MustCompile(`[0-9][0-9.,]*`)

// parsePrice pulls the first decimal number out of a price string like
// "$129.99", "EUR 12,50", "$1,234.56" or "$10.00 to $25.00". Range prices
// keep the lower bound.
func parsePrice(text string) *float64 {
	raw := priceRe.FindString(text)
	if raw == "" {
		return nil
	}
	raw = strings.TrimRight(raw, ".,")

	// The last separator is the decimal point, unless it is followed by a
	// three-digit group, which marks thousands grouping. Earlier separators
	// always group thousands.
	if i := strings.LastIndexAny(raw, ".,"); i >= 0 {
		intPart := strings.Map(func(r rune) rune {
			if r == '.' || r == ',' {
				return -1
			}
			return r
		}, raw[:i])
		if frac := raw[i+1:]; len(frac) == 3 {
			raw = intPart + frac
		} else {
			raw = intPart + "." + frac
		}
	}

	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &v
}

// parseSeller extracts the seller login from strings like
// "partsdepot (14,203) 99.1%".
func parseSeller(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, " ("); i > 0 {
		return text[:i]
	}
	return text
}
