package tuner

import (
	"net/http"
	"strings"

	"lazytuner/work/logger"
)

const guideDocKey = "guide.xml"

// xmltvTime is the timestamp layout XMLTV consumers expect.
const xmltvTime = "20060102150405 -0700"

// HandleGuide serves /guide.xml, an XMLTV document covering every
// channel in the lineup. The rendered document is cached until the next
// schedule refresh invalidates it.
func (s *Server) HandleGuide(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.docs.Get(guideDocKey)
	if !ok {
		doc = s.renderGuide()
		s.docs.Set(guideDocKey, doc)
		logger.Debug("{tuner - HandleGuide} Rendered guide (%d bytes)", len(doc))
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(doc))
}

// renderGuide builds the XMLTV document from the current lineup. One
// <channel> and one <programme> per lineup entry: a game channel carries
// exactly its own game.
func (s *Server) renderGuide() string {
	entries := s.lineup.Entries()

	var b strings.Builder
	b.Grow(1024 + len(entries)*512)

	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	b.WriteString(`<tv generator-info-name="` + xmlEscape(s.cfg.FriendlyName) + `">` + "\n")

	for _, e := range entries {
		b.WriteString(`  <channel id="` + xmlEscape(e.Slug) + `">` + "\n")
		b.WriteString(`    <display-name>` + xmlEscape(e.GuideName) + `</display-name>` + "\n")
		b.WriteString(`    <display-name>` + xmlEscape(e.GuideNumber) + `</display-name>` + "\n")
		if e.IconURL != "" {
			b.WriteString(`    <icon src="` + xmlEscape(e.IconURL) + `"/>` + "\n")
		}
		b.WriteString("  </channel>\n")
	}

	for _, e := range entries {
		b.WriteString(`  <programme start="` + e.Start.Format(xmltvTime) +
			`" stop="` + e.Stop.Format(xmltvTime) +
			`" channel="` + xmlEscape(e.Slug) + `">` + "\n")
		b.WriteString(`    <title lang="en">` + xmlEscape(e.GuideName) + `</title>` + "\n")
		if e.Description != "" {
			b.WriteString(`    <desc lang="en">` + xmlEscape(e.Description) + `</desc>` + "\n")
		}
		b.WriteString(`    <category lang="en">Sports</category>` + "\n")
		b.WriteString("  </programme>\n")
	}

	b.WriteString("</tv>\n")
	return b.String()
}

// xmlEscape covers the five characters XML attribute and element content
// can't carry literally.
func xmlEscape(s string) string {
	return xmlReplacer.Replace(s)
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)
