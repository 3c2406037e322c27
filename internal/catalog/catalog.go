// Package catalog holds the audio content offered by the site.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound  = errors.New("content not found")
	ErrInvalidID = errors.New("invalid content id")
)

var validIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Item is one spoken-word recording.
type Item struct {
	ID         string `yaml:"id" json:"id"`
	Title      string `yaml:"title" json:"title"`
	Artist     string `yaml:"artist" json:"artist"`
	Language   string `yaml:"language" json:"language"`
	AudioKey   string `yaml:"audio_key" json:"-"`
	PriceCents int64  `yaml:"price_cents" json:"priceCents"`
	Free       bool   `yaml:"free,omitempty" json:"free"`
}

// Filename is the attachment name offered to buyers.
func (it *Item) Filename() string {
	return Filename(it.Artist, it.Title)
}

var unsafeFilenameChars = strings.NewReplacer(
	"/", "-", "\\", "-", ":", "-", "*", "", "?", "", "\"", "'", "<", "", ">", "", "|", "-",
	"\r", "", "\n", "",
)

// Filename builds "{artist} - {title}.mp3" with path-unsafe characters removed.
func Filename(artist, title string) string {
	artist = strings.TrimSpace(unsafeFilenameChars.Replace(artist))
	title = strings.TrimSpace(unsafeFilenameChars.Replace(title))
	switch {
	case artist == "" && title == "":
		return "download.mp3"
	case artist == "":
		return title + ".mp3"
	case title == "":
		return artist + ".mp3"
	}
	return artist + " - " + title + ".mp3"
}

type file struct {
	Items []Item `yaml:"items"`
}

// Catalog is the in-memory set of content items.
type Catalog struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// New builds a catalog from items, rejecting duplicates and invalid ids.
func New(items []Item) (*Catalog, error) {
	c := &Catalog{items: make(map[string]*Item, len(items))}
	for i := range items {
		it := items[i]
		if !validIDPattern.MatchString(it.ID) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidID, it.ID)
		}
		if _, dup := c.items[it.ID]; dup {
			return nil, fmt.Errorf("duplicate content id %q", it.ID)
		}
		if it.AudioKey == "" {
			it.AudioKey = it.ID
		}
		if it.PriceCents < 0 {
			return nil, fmt.Errorf("content %q: negative price", it.ID)
		}
		c.items[it.ID] = &it
	}
	return c, nil
}

// Load reads a YAML catalog file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML catalog data.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(f.Items)
}

// Get returns the item with the given id.
func (c *Catalog) Get(id string) (*Item, error) {
	if !validIDPattern.MatchString(id) {
		return nil, ErrInvalidID
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *it
	return &cp, nil
}

// List returns items sorted by id, limited to language when it is non-empty.
func (c *Catalog) List(language string) []Item {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Item, 0, len(c.items))
	for _, it := range c.items {
		if language != "" && !strings.EqualFold(it.Language, language) {
			continue
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of items.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
