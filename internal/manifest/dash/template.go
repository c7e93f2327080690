package dash

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/canalplus/rx-player-sub017/internal/cdn"
	"github.com/canalplus/rx-player-sub017/internal/urlutil"
)

type templateVars struct {
	id        string
	bandwidth int64
	number    uint64
	time      uint64
}

// expand substitutes the $RepresentationID$, $Bandwidth$, $Number$ and
// $Time$ identifiers of a SegmentTemplate, with their optional %0<width>d
// format tag. $$ is an escaped dollar.
func expand(tmpl string, v templateVars) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		i := strings.IndexByte(rest, '$')
		if i < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:i])
		rest = rest[i+1:]
		j := strings.IndexByte(rest, '$')
		if j < 0 {
			return "", fmt.Errorf("unterminated identifier in template %q", tmpl)
		}
		ident := rest[:j]
		rest = rest[j+1:]
		if ident == "" {
			b.WriteByte('$')
			continue
		}

		name, format, _ := strings.Cut(ident, "%")
		var value string
		switch name {
		case "RepresentationID":
			if format != "" {
				return "", fmt.Errorf("format tag on $RepresentationID$ in template %q", tmpl)
			}
			b.WriteString(v.id)
			continue
		case "Bandwidth":
			value = strconv.FormatInt(v.bandwidth, 10)
		case "Number":
			value = strconv.FormatUint(v.number, 10)
		case "Time":
			value = strconv.FormatUint(v.time, 10)
		default:
			return "", fmt.Errorf("unknown identifier $%s$ in template %q", ident, tmpl)
		}
		if format != "" {
			width, err := parseWidth(format)
			if err != nil {
				return "", fmt.Errorf("template %q: %w", tmpl, err)
			}
			if pad := width - len(value); pad > 0 {
				value = strings.Repeat("0", pad) + value
			}
		}
		b.WriteString(value)
	}
}

// parseWidth parses the 0<width>d part of a format tag.
func parseWidth(format string) (int, error) {
	if !strings.HasSuffix(format, "d") {
		return 0, fmt.Errorf("unsupported format tag %%%s", format)
	}
	digits := strings.TrimPrefix(strings.TrimSuffix(format, "d"), "0")
	if digits == "" {
		return 0, nil
	}
	width, err := strconv.Atoi(digits)
	if err != nil || width < 0 {
		return 0, fmt.Errorf("invalid format tag %%%s", format)
	}
	return width, nil
}

// baseURLTree mirrors the BaseURL elements found at each level of an MPD, in
// document order, so they can be matched with the decoded MPD by index.
type baseURLTree struct {
	BaseURLs []baseURL    `xml:"BaseURL"`
	Periods  []periodBases `xml:"Period"`
}

type periodBases struct {
	BaseURLs       []baseURL         `xml:"BaseURL"`
	AdaptationSets []adaptationBases `xml:"AdaptationSet"`
}

type adaptationBases struct {
	BaseURLs        []baseURL             `xml:"BaseURL"`
	Representations []representationBases `xml:"Representation"`
}

type representationBases struct {
	BaseURLs []baseURL `xml:"BaseURL"`
}

type baseURL struct {
	Value           string `xml:",chardata"`
	ServiceLocation string `xml:"serviceLocation,attr"`
}

// childBases combines the origins of a parent element with the BaseURL
// elements of a child. Absolute child URLs replace the parent origins,
// relative ones are resolved against each of them, or against docURL at the
// top of the document.
func childBases(docURL string, parent []cdn.Metadata, urls []baseURL) []cdn.Metadata {
	if len(urls) == 0 {
		return parent
	}
	var out []cdn.Metadata
	for _, u := range urls {
		value := strings.TrimSpace(u.Value)
		if value == "" {
			continue
		}
		if urlutil.IsAbsolute(value) || len(parent) == 0 {
			out = append(out, cdn.Metadata{ID: u.ServiceLocation, BaseURL: urlutil.Resolve(docURL, value)})
			continue
		}
		for _, p := range parent {
			id := p.ID
			if u.ServiceLocation != "" {
				id = u.ServiceLocation
			}
			out = append(out, cdn.Metadata{ID: id, BaseURL: urlutil.Resolve(p.BaseURL, value)})
		}
	}
	if len(out) == 0 {
		return parent
	}
	return out
}
