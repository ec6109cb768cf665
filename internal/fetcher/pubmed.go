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

// DefaultPubMedURL is the NCBI E-utilities endpoint.
const DefaultPubMedURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// PubMed searches MEDLINE in two steps: esearch returns PMIDs, efetch
// returns the article records.
type PubMed struct {
	client *Client
	base   string
	apiKey string
	email  string
	now    func() time.Time
}

var _ external.Fetcher = (*PubMed)(nil)

// NewPubMed creates a PubMed fetcher. NCBI allows 3 requests per second,
// 10 with an API key.
func NewPubMed(opts ...Option) *PubMed {
	s := newSettings(DefaultPubMedURL, 3, 3, opts)
	if s.apiKey != "" && s.limit == 3 {
		s.limit = 10
	}
	return &PubMed{
		client: newClient(config.SourcePubMed, s),
		base:   strings.TrimRight(s.baseURL, "/"),
		apiKey: s.apiKey,
		email:  s.email,
		now:    time.Now,
	}
}

// Name implements external.Fetcher.
func (p *PubMed) Name() string { return config.SourcePubMed }

// Search implements external.Fetcher.
func (p *PubMed) Search(ctx context.Context, q external.Query) ([]*external.Document, error) {
	ids, err := p.searchIDs(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*external.Document{}, nil
	}

	params := p.common()
	params.Set("id", strings.Join(ids, ","))
	params.Set("retmode", "xml")
	params.Set("rettype", "abstract")

	var set pubmedArticleSet
	if err := p.client.GetXML(ctx, p.base+"/efetch.fcgi?"+params.Encode(), nil, &set); err != nil {
		return nil, err
	}

	// efetch does not promise esearch order; restore relevance order.
	byID := make(map[string]*external.Document, len(set.Articles))
	for _, a := range set.Articles {
		d := a.document()
		byID[d.PMID] = d
	}
	docs := make([]*external.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			docs = append(docs, d)
		}
	}
	return finalize(p.Name(), docs, p.now()), nil
}

func (p *PubMed) searchIDs(ctx context.Context, q external.Query) ([]string, error) {
	params := p.common()
	params.Set("term", q.Text)
	params.Set("retmax", strconv.Itoa(q.Limit()))
	params.Set("retmode", "json")
	params.Set("sort", "relevance")
	if q.MinYear > 0 {
		params.Set("datetype", "pdat")
		params.Set("mindate", strconv.Itoa(q.MinYear))
		params.Set("maxdate", "3000")
	}

	var resp struct {
		Result struct {
			IDs []string `json:"idlist"`
		} `json:"esearchresult"`
	}
	if err := p.client.GetJSON(ctx, p.base+"/esearch.fcgi?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Result.IDs, nil
}

func (p *PubMed) common() url.Values {
	params := url.Values{
		"db":   {"pubmed"},
		"tool": {"intelia-retrieval"},
	}
	if p.email != "" {
		params.Set("email", p.email)
	}
	if p.apiKey != "" {
		params.Set("api_key", p.apiKey)
	}
	return params
}

// PubMed efetch XML.
type pubmedArticleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	Citation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			Journal struct {
				Title   string `xml:"Title"`
				PubDate struct {
					Year        string `xml:"Year"`
					MedlineDate string `xml:"MedlineDate"`
				} `xml:"JournalIssue>PubDate"`
			} `xml:"Journal"`
			Title struct {
				Inner string `xml:",innerxml"`
			} `xml:"ArticleTitle"`
			Abstract []pubmedAbstractText `xml:"Abstract>AbstractText"`
			Authors  []pubmedAuthor       `xml:"AuthorList>Author"`
			Language []string             `xml:"Language"`
		} `xml:"Article"`
	} `xml:"MedlineCitation"`
	IDs []pubmedArticleID `xml:"PubmedData>ArticleIdList>ArticleId"`
}

type pubmedAbstractText struct {
	Label string `xml:"Label,attr"`
	Inner string `xml:",innerxml"`
}

type pubmedAuthor struct {
	LastName       string `xml:"LastName"`
	ForeName       string `xml:"ForeName"`
	Initials       string `xml:"Initials"`
	CollectiveName string `xml:"CollectiveName"`
}

type pubmedArticleID struct {
	Type  string `xml:"IdType,attr"`
	Value string `xml:",chardata"`
}

func (a pubmedArticle) document() *external.Document {
	art := a.Citation.Article
	d := &external.Document{
		PMID:    strings.TrimSpace(a.Citation.PMID),
		Title:   stripMarkup(art.Title.Inner),
		Journal: strings.TrimSpace(art.Journal.Title),
	}
	d.URL = "https://pubmed.ncbi.nlm.nih.gov/" + d.PMID + "/"

	var parts []string
	for _, t := range art.Abstract {
		text := stripMarkup(t.Inner)
		if text == "" {
			continue
		}
		if t.Label != "" {
			text = t.Label + ": " + text
		}
		parts = append(parts, text)
	}
	d.Abstract = strings.Join(parts, " ")

	d.Year = parseYear(art.Journal.PubDate.Year)
	if d.Year == 0 {
		d.Year = parseYear(art.Journal.PubDate.MedlineDate)
	}

	for _, au := range art.Authors {
		switch {
		case au.CollectiveName != "":
			d.Authors = append(d.Authors, au.CollectiveName)
		case au.LastName != "":
			name := au.LastName
			if au.ForeName != "" {
				name = au.ForeName + " " + name
			} else if au.Initials != "" {
				name = au.Initials + " " + name
			}
			d.Authors = append(d.Authors, name)
		}
	}

	if len(art.Language) > 0 {
		d.Language = languageCode(art.Language[0])
	}

	for _, id := range a.IDs {
		v := strings.TrimSpace(id.Value)
		switch id.Type {
		case "doi":
			d.DOI = external.NormalizeDOI(v)
		case "pmc":
			d.PMCID = external.NormalizePMCID(v)
		}
	}
	return d
}

// languageCode maps MEDLINE three-letter codes to ISO 639-1 where known.
func languageCode(code string) string {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "eng":
		return "en"
	case "fre", "fra":
		return "fr"
	case "spa":
		return "es"
	case "ger", "deu":
		return "de"
	case "por":
		return "pt"
	case "ita":
		return "it"
	case "chi", "zho":
		return "zh"
	default:
		return strings.ToLower(code)
	}
}
