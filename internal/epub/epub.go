// Package epub implements C5: parsing an EPUB byte stream into an ordered
// chapter sequence. Untrusted zip parsing runs in-process under strict
// size and entry-count limits, per the source spec's resource-exhaustion
// caveat — this is a potential zip-bomb vector and is treated as one.
package epub

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"path"
	"strings"

	"golang.org/x/net/html"
)

// ParseErrorKind distinguishes why parsing failed, surfaced as Book.failedStage.
type ParseErrorKind string

const (
	ErrMalformedArchive ParseErrorKind = "malformed_archive"
	ErrTooManyEntries   ParseErrorKind = "too_many_entries"
	ErrTooLarge         ParseErrorKind = "too_large"
	ErrMissingContainer ParseErrorKind = "missing_container"
	ErrMissingOPF       ParseErrorKind = "missing_opf"
)

// ParseError carries a stable kind alongside the underlying cause.
type ParseError struct {
	Kind ParseErrorKind
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("epub: %s: %v", e.Kind, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Chapter is one spine item, in reading order, with HTML stripped to plain
// text.
type Chapter struct {
	Idx     int
	Title   string
	Content string
}

// Limits bounds parsing to defend against zip bombs and hostile archives.
type Limits struct {
	MaxEntries           int
	MaxUncompressedBytes int64
}

// Parse produces the ordered chapter sequence from raw EPUB bytes.
func Parse(data []byte, limits Limits) ([]Chapter, string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", &ParseError{Kind: ErrMalformedArchive, Err: err}
	}

	if len(zr.File) > limits.MaxEntries {
		return nil, "", &ParseError{Kind: ErrTooManyEntries, Err: fmt.Errorf("%d entries exceeds limit %d", len(zr.File), limits.MaxEntries)}
	}
	var totalUncompressed int64
	for _, f := range zr.File {
		totalUncompressed += int64(f.UncompressedSize64)
		if totalUncompressed > limits.MaxUncompressedBytes {
			return nil, "", &ParseError{Kind: ErrTooLarge, Err: fmt.Errorf("uncompressed size exceeds limit %d", limits.MaxUncompressedBytes)}
		}
	}

	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	opfPath, err := locateOPF(files)
	if err != nil {
		return nil, "", err
	}

	opfBytes, err := readFile(files, opfPath)
	if err != nil {
		return nil, "", &ParseError{Kind: ErrMissingOPF, Err: err}
	}

	pkg, err := parseOPF(opfBytes)
	if err != nil {
		return nil, "", &ParseError{Kind: ErrMissingOPF, Err: err}
	}

	manifest := make(map[string]string, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		manifest[item.ID] = item.Href
	}

	base := path.Dir(opfPath)
	chapters := make([]Chapter, 0, len(pkg.Spine.ItemRefs))
	idx := 0
	for _, ref := range pkg.Spine.ItemRefs {
		href, ok := manifest[ref.IDRef]
		if !ok {
			continue
		}
		itemPath := path.Join(base, href)
		raw, err := readFile(files, itemPath)
		if err != nil {
			continue
		}
		title, content := extractText(raw)
		if strings.TrimSpace(content) == "" {
			continue
		}
		chapters = append(chapters, Chapter{Idx: idx, Title: title, Content: content})
		idx++
	}

	return chapters, pkg.Metadata.Title, nil
}

func readFile(files map[string]*zip.File, name string) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("epub: %s not found in archive", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type containerXML struct {
	Rootfiles struct {
		Rootfile []struct {
			FullPath string `xml:"full-path,attr"`
		} `xml:"rootfile"`
	} `xml:"rootfiles"`
}

func locateOPF(files map[string]*zip.File) (string, error) {
	raw, err := readFile(files, "META-INF/container.xml")
	if err != nil {
		return "", &ParseError{Kind: ErrMissingContainer, Err: err}
	}
	var c containerXML
	if err := xml.Unmarshal(raw, &c); err != nil {
		return "", &ParseError{Kind: ErrMissingContainer, Err: err}
	}
	if len(c.Rootfiles.Rootfile) == 0 {
		return "", &ParseError{Kind: ErrMissingContainer, Err: fmt.Errorf("no rootfile declared")}
	}
	return c.Rootfiles.Rootfile[0].FullPath, nil
}

type opfPackage struct {
	Metadata struct {
		Title string `xml:"title"`
	} `xml:"metadata"`
	Manifest struct {
		Items []struct {
			ID   string `xml:"id,attr"`
			Href string `xml:"href,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		ItemRefs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

func parseOPF(raw []byte) (*opfPackage, error) {
	var pkg opfPackage
	if err := xml.Unmarshal(raw, &pkg); err != nil {
		return nil, err
	}
	return &pkg, nil
}

// extractText strips HTML from a spine document's bytes, returning its
// title (if a <title> or first heading is present) and flattened body text.
func extractText(raw []byte) (title, content string) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", ""
	}

	var b strings.Builder
	var walk func(*html.Node)
	inSkip := 0
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style":
				inSkip++
				defer func() { inSkip-- }()
			case "title":
				if title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			case "h1", "h2":
				if title == "" && n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					title = strings.TrimSpace(n.FirstChild.Data)
				}
			}
		}
		if n.Type == html.TextNode && inSkip == 0 {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return title, collapseWhitespace(b.String())
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
