package fetcher

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	"github.com/dominicdesy/intelia-expert-sub006/internal/external"
)

// DefaultSemanticScholarURL is the Semantic Scholar API root.
const DefaultSemanticScholarURL = "https://api.semanticscholar.org"

const semanticScholarFields = "title,abstract,authors,year,externalIds,citationCount,venue,url"

// SemanticScholar searches the Semantic Scholar graph API. The shared
// unauthenticated pool allows about one request per second.
type SemanticScholar struct {
	client *Client
	base   string
	apiKey string
	now    func() time.Time
}

var _ external.Fetcher = (*SemanticScholar)(nil)

// NewSemanticScholar creates a Semantic Scholar fetcher.
func NewSemanticScholar(opts ...Option) *SemanticScholar {
	s := newSettings(DefaultSemanticScholarURL, 1, 1, opts)
	return &SemanticScholar{
		client: newClient(config.SourceSemanticScholar, s),
		base:   strings.TrimRight(s.baseURL, "/"),
		apiKey: s.apiKey,
		now:    time.Now,
	}
}

// Name implements external.Fetcher.
func (s *SemanticScholar) Name() string { return config.SourceSemanticScholar }

type semanticScholarResponse struct {
	Data []semanticScholarPaper `json:"data"`
}

type semanticScholarPaper struct {
	PaperID       string `json:"paperId"`
	Title         string `json:"title"`
	Abstract      string `json:"abstract"`
	Year          int    `json:"year"`
	Venue         string `json:"venue"`
	URL           string `json:"url"`
	CitationCount int    `json:"citationCount"`
	Authors       []struct {
		Name string `json:"name"`
	} `json:"authors"`
	ExternalIDs struct {
		DOI           string `json:"DOI"`
		PubMed        string `json:"PubMed"`
		PubMedCentral string `json:"PubMedCentral"`
	} `json:"externalIds"`
}

// Search implements external.Fetcher.
func (s *SemanticScholar) Search(ctx context.Context, q external.Query) ([]*external.Document, error) {
	params := url.Values{
		"query":  {q.Text},
		"limit":  {strconv.Itoa(q.Limit())},
		"fields": {semanticScholarFields},
	}
	if q.MinYear > 0 {
		params.Set("year", strconv.Itoa(q.MinYear)+"-")
	}
	var header http.Header
	if s.apiKey != "" {
		header = http.Header{"x-api-key": {s.apiKey}}
	}

	var resp semanticScholarResponse
	if err := s.client.GetJSON(ctx, s.base+"/graph/v1/paper/search?"+params.Encode(), header, &resp); err != nil {
		return nil, err
	}

	docs := make([]*external.Document, 0, len(resp.Data))
	for _, p := range resp.Data {
		docs = append(docs, p.document())
	}
	return finalize(s.Name(), docs, s.now()), nil
}

func (p semanticScholarPaper) document() *external.Document {
	d := &external.Document{
		Title:         strings.TrimSpace(p.Title),
		Abstract:      strings.TrimSpace(p.Abstract),
		Year:          p.Year,
		Journal:       p.Venue,
		URL:           p.URL,
		CitationCount: p.CitationCount,
		DOI:           external.NormalizeDOI(p.ExternalIDs.DOI),
		PMID:          strings.TrimSpace(p.ExternalIDs.PubMed),
		PMCID:         external.NormalizePMCID(p.ExternalIDs.PubMedCentral),
	}
	for _, a := range p.Authors {
		if a.Name != "" {
			d.Authors = append(d.Authors, a.Name)
		}
	}
	if d.URL == "" && p.PaperID != "" {
		d.URL = "https://www.semanticscholar.org/paper/" + p.PaperID
	}
	return d
}
