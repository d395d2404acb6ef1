package main

import (
	_ "embed"
	"fmt"
	"html/template"
	"time"

	"github.com/rs/zerolog/log"

	"gregoryjjb/verdant/store"
)

// NoEmbed reads the dashboard from disk on every request, for development.
var NoEmbed bool

//go:embed www/index.html
var indexTemplateEmbed string
var indexTemplate *template.Template

var templateFuncs = template.FuncMap{
	"value": func(v any) string {
		if v == nil {
			return "-"
		}
		if f, ok := v.(float64); ok {
			return fmt.Sprintf("%.2f", f)
		}
		return fmt.Sprint(v)
	},
	"ago": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return time.Since(t).Truncate(time.Second).String() + " ago"
	},
	"healthy": func(s store.Status) bool {
		return s.Health > 0
	},
}

func GetIndexTemplate() (*template.Template, error) {
	if NoEmbed {
		// Dynamically read & build
		log.Debug().Msg("Reading index.html template dynamically from filesystem")
		return template.New("index.html").Funcs(templateFuncs).ParseFiles("www/index.html")
	}

	if indexTemplate == nil {
		// Build new from embed and cache
		log.Debug().Msg("Caching embedded index.html")
		tmpl, err := template.New("index.html").Funcs(templateFuncs).Parse(indexTemplateEmbed)
		if err != nil {
			return nil, err
		}
		indexTemplate = tmpl
	}

	return indexTemplate, nil
}
