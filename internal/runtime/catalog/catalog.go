// Package catalog turns protocol error codes into the numeric code and text
// written in error envelopes.
package catalog

import (
	"fmt"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Catalog resolves an error code to its envelope number and text.
type Catalog interface {
	Lookup(code string) (int, string)
}

// Entry is one registered code.
type Entry struct {
	Number int
	Text   string
}

// Built-in codes.
const (
	Internal         = "internal"
	BadCommand       = "bad_command"
	ValidationFailed = "validation_failed"
	Unauthorized     = "unauthorized"
	ProcessDown      = "process_down"
	Timeout          = "timeout"
	BadRequest       = "bad_request"
	BodyTooLarge     = "body_too_large"
)

var defaults = map[string]Entry{
	Internal:         {Number: 1, Text: "internal error"},
	BadCommand:       {Number: 2, Text: "unknown command"},
	ValidationFailed: {Number: 3, Text: "invalid command data"},
	Unauthorized:     {Number: 4, Text: "not authorized"},
	ProcessDown:      {Number: 5, Text: "worker terminated before replying"},
	Timeout:          {Number: 6, Text: "timed out waiting for reply"},
	BadRequest:       {Number: 7, Text: "malformed request"},
	BodyTooLarge:     {Number: 8, Text: "request body too large"},
}

// MessageCatalog is the default Catalog. Texts are stored in an x/text
// catalog so hosts can register translations per language.
type MessageCatalog struct {
	mu      sync.RWMutex
	tag     language.Tag
	builder *catalog.Builder
	numbers map[string]int
}

// New returns a catalog with the built-in codes in English, printing in tag.
func New(tag language.Tag) *MessageCatalog {
	c := &MessageCatalog{
		tag:     tag,
		builder: catalog.NewBuilder(catalog.Fallback(language.English)),
		numbers: make(map[string]int, len(defaults)),
	}
	for code, entry := range defaults {
		c.numbers[code] = entry.Number
		_ = c.setBase(code, entry.Text)
	}
	return c
}

// Default returns an English catalog.
func Default() *MessageCatalog {
	return New(language.English)
}

// Register adds or replaces a code with its English text.
func (c *MessageCatalog) Register(code string, number int, text string) error {
	if code == "" {
		return fmt.Errorf("catalog: code is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setBase(code, text); err != nil {
		return fmt.Errorf("catalog: register %s: %w", code, err)
	}
	c.numbers[code] = number
	return nil
}

// Translate sets the text of an already registered code for tag.
func (c *MessageCatalog) Translate(tag language.Tag, code, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.numbers[code]; !ok {
		return fmt.Errorf("catalog: unknown code %s", code)
	}
	if err := c.builder.SetString(tag, key(code), text); err != nil {
		return fmt.Errorf("catalog: translate %s: %w", code, err)
	}
	return nil
}

// WithLanguage returns a view of the catalog printing in tag.
func (c *MessageCatalog) WithLanguage(tag language.Tag) Catalog {
	return &localized{parent: c, tag: tag}
}

// Lookup implements Catalog. Unknown codes resolve to the internal entry with
// the code appended to the text.
func (c *MessageCatalog) Lookup(code string) (int, string) {
	return c.lookup(c.tag, code)
}

func (c *MessageCatalog) lookup(tag language.Tag, code string) (int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := message.NewPrinter(tag, message.Catalog(c.builder))
	if number, ok := c.numbers[code]; ok {
		return number, p.Sprintf(key(code))
	}
	return c.numbers[Internal], fmt.Sprintf("%s: %s", p.Sprintf(key(Internal)), code)
}

type localized struct {
	parent *MessageCatalog
	tag    language.Tag
}

func (l *localized) Lookup(code string) (int, string) {
	return l.parent.lookup(l.tag, code)
}

// setBase stores text for English and for the root language, so lookups in
// languages without a translation fall back to English.
func (c *MessageCatalog) setBase(code, text string) error {
	if err := c.builder.SetString(language.English, key(code), text); err != nil {
		return err
	}
	return c.builder.SetString(language.Und, key(code), text)
}

func key(code string) string {
	return "replyflow." + code
}
