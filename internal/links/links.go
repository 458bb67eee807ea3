// Package links builds the POD capture link sent to a driver at drop-off
// and the WhatsApp click-to-chat link that carries it.
package links

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// DefaultCountryCode is prefixed to local numbers.
const DefaultCountryCode = "966"

var messages = map[string]string{
	"en": "Hello %[1]s,\n\n" +
		"You have arrived at the drop-off location for shipment %[2]s.\n" +
		"Please click the link below to upload your Proof of Delivery:\n\n" +
		"%[3]s\n\n" +
		"Thank you - Trella Team 🚛",
	"ar": "مرحباً %[1]s،\n\n" +
		"أنت الآن في موقع التفريغ للشحنة %[2]s.\n" +
		"يرجى النقر على الرابط التالي لتحميل إثبات التسليم:\n\n" +
		"%[3]s\n\n" +
		"شكراً لك - فريق تريلا 🚛",
	"ur": "السلام علیکم %[1]s،\n\n" +
		"آپ شپمنٹ %[2]s کے ڈراپ آف مقام پر پہنچ گئے ہیں۔\n" +
		"براہ کرم ڈیلیوری کا ثبوت اپ لوڈ کرنے کے لیے نیچے دیے گئے لنک پر کلک کریں:\n\n" +
		"%[3]s\n\n" +
		"شکریہ - ٹریلا ٹیم 🚛",
}

// Generator builds links against the capture app's public base URL.
type Generator struct {
	baseURL string
}

// NewGenerator validates baseURL and returns a Generator.
func NewGenerator(baseURL string) (*Generator, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("base URL must be an absolute http(s) URL, got %q", baseURL)
	}
	return &Generator{baseURL: u.String()}, nil
}

// CaptureLink returns {base}/?shipment={key}.
func (g *Generator) CaptureLink(shipmentKey string) string {
	return g.baseURL + "/?shipment=" + url.QueryEscape(shipmentKey)
}

// Message renders the driver message in lang, falling back to Arabic
// (the dispatch default) for unknown languages.
func Message(lang, driverName, shipmentKey, link string) string {
	tmpl, ok := messages[lang]
	if !ok {
		tmpl = messages["ar"]
	}
	if driverName == "" {
		driverName = "Driver"
	}
	return fmt.Sprintf(tmpl, driverName, shipmentKey, link)
}

// WhatsAppLink returns a wa.me click-to-chat link, or "" when phone has
// no digits.
func WhatsAppLink(phone, message string) string {
	p := NormalizePhone(phone)
	if p == "" {
		return ""
	}
	return "https://wa.me/" + p + "?text=" + strings.ReplaceAll(url.QueryEscape(message), "+", "%20")
}

// NormalizePhone reduces phone to international digits without "+" or a
// "00" prefix. Local Saudi mobiles (05…) and bare subscriber numbers get
// DefaultCountryCode.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	var b strings.Builder
	for _, r := range phone {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	digits := strings.TrimPrefix(b.String(), "00")
	switch {
	case digits == "":
		return ""
	case strings.HasPrefix(digits, "05"):
		return DefaultCountryCode + digits[1:]
	case strings.HasPrefix(digits, DefaultCountryCode):
		return digits
	case strings.HasPrefix(phone, "+") || strings.HasPrefix(phone, "00"):
		return digits
	default:
		return DefaultCountryCode + digits
	}
}
