// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// Paper holds bibliographic metadata and file paths for a paper under a
// thesis. Metadata is stored as YAML in papers/metadata/<id>.yaml; the
// binary document lives under papers/raw/.
type Paper struct {
	// ID is a slug derived from the paper identifier (e.g. "2301.07041").
	ID string `json:"id" yaml:"id"`

	// Title is the paper title.
	Title string `json:"title" yaml:"title"`

	// Authors lists the paper authors in source order.
	Authors []string `json:"authors" yaml:"authors"`

	// Year is the publication year.
	Year int `json:"year" yaml:"year"`

	// Journal is the publication venue.
	Journal string `json:"journal,omitempty" yaml:"journal,omitempty"`

	// Abstract is the paper abstract.
	Abstract string `json:"abstract,omitempty" yaml:"abstract,omitempty"`

	// SourceURL is the URL from which the paper was downloaded.
	SourceURL string `json:"source_url,omitempty" yaml:"source_url,omitempty"`

	// PDFPath is the local filesystem path to the stored PDF.
	PDFPath string `json:"pdf_path,omitempty" yaml:"pdf_path,omitempty"`
}
