package memory

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
)

// bm25Index wraps an in-memory bleve index over memory content, giving the
// hybrid retrieval path a real BM25-ranked full-text score independent of
// the persistence store's own FTS index (sqlite FTS5 / postgres tsvector),
// which the store uses for boolean-operator keyword queries per §4.1.
// This index exists purely to compute the bm25_norm term of the hybrid
// score cheaply in-process, grounded on archivalist's BleveEventIndex.
type bm25Index struct {
	index bleve.Index
}

type memoryDoc struct {
	Content string `json:"content"`
}

func newBM25Index() (*bm25Index, error) {
	m := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	contentField := bleve.NewTextFieldMapping()
	contentField.Analyzer = "en"
	docMapping.AddFieldMappingsAt("content", contentField)
	m.AddDocumentMapping("memory", docMapping)

	idx, err := bleve.NewMemOnly(m)
	if err != nil {
		return nil, fmt.Errorf("memory: create bleve index: %w", err)
	}
	return &bm25Index{index: idx}, nil
}

func (b *bm25Index) Put(id, content string) error {
	return b.index.Index(id, memoryDoc{Content: content})
}

func (b *bm25Index) Delete(id string) error {
	return b.index.Delete(id)
}

// Scores returns bm25-ranked scores keyed by document id, normalised to
// [0,1] by dividing by the top score (bleve's raw score is unbounded).
func (b *bm25Index) Scores(query string, limit int) (map[string]float64, error) {
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	result, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("memory: bleve search: %w", err)
	}
	out := make(map[string]float64, len(result.Hits))
	var top float64
	for _, hit := range result.Hits {
		if hit.Score > top {
			top = hit.Score
		}
	}
	if top == 0 {
		return out, nil
	}
	for _, hit := range result.Hits {
		out[hit.ID] = hit.Score / top
	}
	return out, nil
}

func (b *bm25Index) Close() error {
	return b.index.Close()
}
