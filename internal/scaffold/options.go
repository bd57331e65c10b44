package scaffold

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Options controls scaffold generation.
type Options struct {
	SiteName  string
	OutputDir string
	Port      int
	Force     bool
}

func (o *Options) normalize() error {
	o.SiteName = strings.TrimSpace(o.SiteName)
	o.OutputDir = strings.TrimSpace(o.OutputDir)

	if o.SiteName == "" && o.OutputDir == "" {
		return errors.New("site name or output directory is required")
	}
	if o.SiteName == "" {
		o.SiteName = filepath.Base(o.OutputDir)
	}
	if o.OutputDir == "" {
		o.OutputDir = o.siteSlug()
	}
	if o.Port == 0 {
		o.Port = 3000
	}
	if o.Port < 1 || o.Port > 65535 {
		return fmt.Errorf("port %d out of range", o.Port)
	}

	if !filepath.IsAbs(o.OutputDir) {
		abs, err := filepath.Abs(o.OutputDir)
		if err != nil {
			return fmt.Errorf("resolve output dir: %w", err)
		}
		o.OutputDir = abs
	}

	return nil
}

func (o Options) siteSlug() string {
	return slugify(o.SiteName)
}

func slugify(value string) string {
	value = strings.TrimSpace(value)
	value = strings.ToLower(value)
	replacer := strings.NewReplacer(
		" ", "-",
		"_", "-",
		".", "-",
		"--", "-",
	)
	value = replacer.Replace(value)
	value = strings.Trim(value, "-")
	if value == "" {
		return "site"
	}
	return value
}
