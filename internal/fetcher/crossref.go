package fetcher

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	"github.com/dominicdesy/intelia-expert-sub006/internal/external"
)

// DefaultCrossrefURL is the Crossref REST endpoint.
const DefaultCrossrefURL = "https://api.crossref.org"

// Crossref searches DOI registration metadata. Only works that deposited
// an abstract are requested.
type Crossref struct {
	client *Client
	base   string
	email  string
	now    func() time.Time
}

var _ external.Fetcher = (*Crossref)(nil)

// NewCrossref creates a Crossref fetcher. Passing WithEmail joins the
// polite pool.
func NewCrossref(opts ...Option) *Crossref {
	s := newSettings(DefaultCrossrefURL, 10, 5, opts)
	return &Crossref{
		client: newClient(config.SourceCrossref, s),
		base:   strings.TrimRight(s.baseURL, "/"),
		email:  s.email,
		now:    time.Now,
	}
}

// Name implements external.Fetcher.
func (c *Crossref) Name() string { return config.SourceCrossref }

type crossrefResponse struct {
	Message struct {
		Items []crossrefWork `json:"items"`
	} `json:"message"`
}

type crossrefDate struct {
	DateParts [][]int `json:"date-parts"`
}

func (d crossrefDate) year() int {
	if len(d.DateParts) == 0 || len(d.DateParts[0]) == 0 {
		return 0
	}
	return d.DateParts[0][0]
}

type crossrefWork struct {
	DOI            string   `json:"DOI"`
	URL            string   `json:"URL"`
	Title          []string `json:"title"`
	Abstract       string   `json:"abstract"`
	ContainerTitle []string `json:"container-title"`
	Language       string   `json:"language"`
	ReferencedBy   int      `json:"is-referenced-by-count"`
	Author         []struct {
		Given  string `json:"given"`
		Family string `json:"family"`
		Name   string `json:"name"`
	} `json:"author"`
	Published      crossrefDate `json:"published"`
	PublishedPrint crossrefDate `json:"published-print"`
	Issued         crossrefDate `json:"issued"`
}

// Search implements external.Fetcher.
func (c *Crossref) Search(ctx context.Context, q external.Query) ([]*external.Document, error) {
	filter := "has-abstract:true"
	if q.MinYear > 0 {
		filter = "from-pub-date:" + strconv.Itoa(q.MinYear) + "," + filter
	}
	params := url.Values{
		"query":  {q.Text},
		"rows":   {strconv.Itoa(q.Limit())},
		"filter": {filter},
	}
	if c.email != "" {
		params.Set("mailto", c.email)
	}

	var resp crossrefResponse
	if err := c.client.GetJSON(ctx, c.base+"/works?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	docs := make([]*external.Document, 0, len(resp.Message.Items))
	for _, w := range resp.Message.Items {
		docs = append(docs, w.document())
	}
	return finalize(c.Name(), docs, c.now()), nil
}

func (w crossrefWork) document() *external.Document {
	d := &external.Document{
		DOI:           external.NormalizeDOI(w.DOI),
		URL:           w.URL,
		Abstract:      stripMarkup(w.Abstract),
		CitationCount: w.ReferencedBy,
		Language:      strings.ToLower(w.Language),
	}
	if len(w.Title) > 0 {
		d.Title = stripMarkup(w.Title[0])
	}
	if len(w.ContainerTitle) > 0 {
		d.Journal = w.ContainerTitle[0]
	}
	// JATS abstracts often open with a bare "Abstract" heading.
	d.Abstract = strings.TrimSpace(strings.TrimPrefix(d.Abstract, "Abstract"))

	for _, date := range []crossrefDate{w.Published, w.PublishedPrint, w.Issued} {
		if y := date.year(); y > 0 {
			d.Year = y
			break
		}
	}
	for _, a := range w.Author {
		name := strings.TrimSpace(a.Given + " " + a.Family)
		if name == "" {
			name = a.Name
		}
		if name != "" {
			d.Authors = append(d.Authors, name)
		}
	}
	if d.URL == "" && d.DOI != "" {
		d.URL = "https://doi.org/" + d.DOI
	}
	return d
}
