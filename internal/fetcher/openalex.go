package fetcher

import (
	"cmp"
	"context"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	"github.com/dominicdesy/intelia-expert-sub006/internal/external"
)

// DefaultOpenAlexURL is the OpenAlex API root.
const DefaultOpenAlexURL = "https://api.openalex.org"

// OpenAlex searches the OpenAlex works index.
type OpenAlex struct {
	client *Client
	base   string
	email  string
	now    func() time.Time
}

var _ external.Fetcher = (*OpenAlex)(nil)

// NewOpenAlex creates an OpenAlex fetcher. Passing WithEmail joins the
// polite pool.
func NewOpenAlex(opts ...Option) *OpenAlex {
	s := newSettings(DefaultOpenAlexURL, 10, 5, opts)
	return &OpenAlex{
		client: newClient(config.SourceOpenAlex, s),
		base:   strings.TrimRight(s.baseURL, "/"),
		email:  s.email,
		now:    time.Now,
	}
}

// Name implements external.Fetcher.
func (o *OpenAlex) Name() string { return config.SourceOpenAlex }

type openAlexResponse struct {
	Results []openAlexWork `json:"results"`
}

type openAlexWork struct {
	ID                    string           `json:"id"`
	DOI                   string           `json:"doi"`
	Title                 string           `json:"title"`
	PublicationYear       int              `json:"publication_year"`
	Language              string           `json:"language"`
	CitedByCount          int              `json:"cited_by_count"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
	IDs                   struct {
		PMID  string `json:"pmid"`
		PMCID string `json:"pmcid"`
	} `json:"ids"`
	Authorships []struct {
		Author struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
	} `json:"authorships"`
	PrimaryLocation struct {
		LandingPageURL string `json:"landing_page_url"`
		Source         struct {
			DisplayName string `json:"display_name"`
		} `json:"source"`
	} `json:"primary_location"`
}

// Search implements external.Fetcher.
func (o *OpenAlex) Search(ctx context.Context, q external.Query) ([]*external.Document, error) {
	params := url.Values{
		"search":   {q.Text},
		"per_page": {strconv.Itoa(q.Limit())},
	}
	if q.MinYear > 0 {
		params.Set("filter", "from_publication_date:"+strconv.Itoa(q.MinYear)+"-01-01")
	}
	if o.email != "" {
		params.Set("mailto", o.email)
	}

	var resp openAlexResponse
	if err := o.client.GetJSON(ctx, o.base+"/works?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	docs := make([]*external.Document, 0, len(resp.Results))
	for _, w := range resp.Results {
		docs = append(docs, w.document())
	}
	return finalize(o.Name(), docs, o.now()), nil
}

func (w openAlexWork) document() *external.Document {
	d := &external.Document{
		Title:         stripMarkup(w.Title),
		Abstract:      reconstructAbstract(w.AbstractInvertedIndex),
		Year:          w.PublicationYear,
		DOI:           external.NormalizeDOI(w.DOI),
		PMID:          lastPathSegment(w.IDs.PMID),
		PMCID:         external.NormalizePMCID(lastPathSegment(w.IDs.PMCID)),
		Journal:       w.PrimaryLocation.Source.DisplayName,
		Language:      strings.ToLower(w.Language),
		CitationCount: w.CitedByCount,
		URL:           w.PrimaryLocation.LandingPageURL,
	}
	for _, a := range w.Authorships {
		if a.Author.DisplayName != "" {
			d.Authors = append(d.Authors, a.Author.DisplayName)
		}
	}
	switch {
	case d.URL != "":
	case d.DOI != "":
		d.URL = "https://doi.org/" + d.DOI
	default:
		d.URL = w.ID
	}
	return d
}

// lastPathSegment turns "https://pubmed.ncbi.nlm.nih.gov/123" into "123".
func lastPathSegment(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if i := strings.LastIndex(u, "/"); i >= 0 {
		return u[i+1:]
	}
	return u
}

// reconstructAbstract rebuilds plain text from an inverted index of
// word -> positions. Words sharing a position come out in lexical order.
func reconstructAbstract(index map[string][]int) string {
	if len(index) == 0 {
		return ""
	}
	type posWord struct {
		pos  int
		word string
	}
	var pairs []posWord
	for word, positions := range index {
		for _, pos := range positions {
			pairs = append(pairs, posWord{pos: pos, word: word})
		}
	}
	slices.SortStableFunc(pairs, func(a, b posWord) int {
		if c := cmp.Compare(a.pos, b.pos); c != 0 {
			return c
		}
		return strings.Compare(a.word, b.word)
	})

	words := make([]string, len(pairs))
	for i, p := range pairs {
		words[i] = p.word
	}
	return strings.Join(words, " ")
}
