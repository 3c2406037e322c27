package logging

import (
	"log"
	"os"
	"strings"
)

var (
	Storage  = log.New(os.Stdout, "[storage] ", log.LstdFlags)
	Stripe   = log.New(os.Stdout, "[stripe] ", log.LstdFlags)
	Mail     = log.New(os.Stdout, "[mail] ", log.LstdFlags)
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
)

// MaskEmail keeps the first character of the local part and the domain,
// e.g. "jane@example.org" -> "j***@example.org".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
