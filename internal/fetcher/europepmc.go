package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dominicdesy/intelia-expert-sub006/internal/config"
	"github.com/dominicdesy/intelia-expert-sub006/internal/external"
)

// DefaultEuropePMCURL is the Europe PMC REST endpoint.
const DefaultEuropePMCURL = "https://www.ebi.ac.uk/europepmc/webservices/rest"

// EuropePMC searches Europe PMC, which mirrors PubMed and adds
// preprints, agricola and patents.
type EuropePMC struct {
	client *Client
	base   string
	now    func() time.Time
}

var _ external.Fetcher = (*EuropePMC)(nil)

// NewEuropePMC creates a Europe PMC fetcher.
func NewEuropePMC(opts ...Option) *EuropePMC {
	s := newSettings(DefaultEuropePMCURL, 10, 5, opts)
	return &EuropePMC{
		client: newClient(config.SourceEuropePMC, s),
		base:   strings.TrimRight(s.baseURL, "/"),
		now:    time.Now,
	}
}

// Name implements external.Fetcher.
func (e *EuropePMC) Name() string { return config.SourceEuropePMC }

type europePMCResponse struct {
	ResultList struct {
		Result []europePMCRecord `json:"result"`
	} `json:"resultList"`
}

type europePMCRecord struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	PMID         string `json:"pmid"`
	PMCID        string `json:"pmcid"`
	DOI          string `json:"doi"`
	Title        string `json:"title"`
	AuthorString string `json:"authorString"`
	PubYear      string `json:"pubYear"`
	AbstractText string `json:"abstractText"`
	CitedByCount int    `json:"citedByCount"`
	Language     string `json:"language"`
	JournalInfo  struct {
		Journal struct {
			Title string `json:"title"`
		} `json:"journal"`
	} `json:"journalInfo"`
}

// Search implements external.Fetcher.
func (e *EuropePMC) Search(ctx context.Context, q external.Query) ([]*external.Document, error) {
	query := q.Text
	if q.MinYear > 0 {
		query = fmt.Sprintf("(%s) AND PUB_YEAR:[%d TO 3000]", query, q.MinYear)
	}
	params := url.Values{
		"query":      {query},
		"format":     {"json"},
		"resultType": {"core"},
		"pageSize":   {strconv.Itoa(q.Limit())},
	}

	var resp europePMCResponse
	if err := e.client.GetJSON(ctx, e.base+"/search?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	docs := make([]*external.Document, 0, len(resp.ResultList.Result))
	for _, r := range resp.ResultList.Result {
		docs = append(docs, r.document())
	}
	return finalize(e.Name(), docs, e.now()), nil
}

func (r europePMCRecord) document() *external.Document {
	d := &external.Document{
		Title:         stripMarkup(r.Title),
		Abstract:      stripMarkup(r.AbstractText),
		Year:          parseYear(r.PubYear),
		PMID:          strings.TrimSpace(r.PMID),
		PMCID:         external.NormalizePMCID(r.PMCID),
		DOI:           external.NormalizeDOI(r.DOI),
		Journal:       strings.TrimSpace(r.JournalInfo.Journal.Title),
		CitationCount: r.CitedByCount,
		Language:      languageCode(r.Language),
	}
	for _, a := range strings.Split(strings.TrimSuffix(r.AuthorString, "."), ",") {
		if a = strings.TrimSpace(a); a != "" {
			d.Authors = append(d.Authors, a)
		}
	}
	switch {
	case d.PMID != "":
		d.URL = "https://europepmc.org/article/MED/" + d.PMID
	case r.Source != "" && r.ID != "":
		d.URL = "https://europepmc.org/article/" + r.Source + "/" + r.ID
	case d.DOI != "":
		d.URL = "https://doi.org/" + d.DOI
	}
	return d
}
