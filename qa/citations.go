package qa

import (
	"log"
	"sort"

	"tutorqa_back/knowledge"
	"tutorqa_back/vectors"
)

const citationContentLimit = 2000

// Citation 是返回给调用者的引用片段。Score 为 nil 表示无法计算相似度。
type Citation struct {
	DocumentID    string   `json:"documentId"`
	DocumentTitle string   `json:"documentTitle"`
	ChunkID       string   `json:"chunkId"`
	ChunkIndex    int      `json:"chunkIndex"`
	PageNum       *int     `json:"pageNum,omitempty"`
	Content       string   `json:"content"`
	Score         *float64 `json:"score"`
}

// scoreCandidates 按检索顺序为候选记录计算与问题向量的余弦相似度。
func scoreCandidates(records []knowledge.StoredVector, query []float32) []Citation {
	out := make([]Citation, 0, len(records))
	for _, record := range records {
		citation := Citation{
			DocumentID:    record.DocumentID,
			DocumentTitle: record.Filename,
			ChunkID:       record.ChunkID,
			ChunkIndex:    record.ChunkIndex,
			PageNum:       record.PageNum,
			Content:       truncateRunes(record.Content, citationContentLimit),
		}
		if record.Vector != nil {
			if score, err := vectors.CosineStrict(query, record.Vector); err == nil {
				citation.Score = &score
			} else {
				log.Printf("qa: score chunk %s: %v", record.ChunkID, err)
			}
		}
		out = append(out, citation)
	}
	return out
}

// selectCitations 保留相似度不低于阈值的候选，数量不足 max(1, MinCitations)
// 时按相似度从高到低补足，结果不会多于候选数。
func selectCitations(candidates []Citation, opts Options) []Citation {
	candidates = capPerDocument(candidates, opts.MaxCitationsPerDocument)

	accepted := make([]Citation, 0, len(candidates))
	var rest []Citation
	for _, candidate := range candidates {
		if candidate.Score == nil || *candidate.Score >= opts.SimilarityThreshold {
			accepted = append(accepted, candidate)
			continue
		}
		rest = append(rest, candidate)
	}

	minimum := opts.MinCitations
	if minimum < 1 {
		minimum = 1
	}
	if len(accepted) >= minimum || len(rest) == 0 {
		return accepted
	}

	sort.SliceStable(rest, func(i, j int) bool {
		return *rest[i].Score > *rest[j].Score
	})
	need := minimum - len(accepted)
	if need > len(rest) {
		need = len(rest)
	}
	log.Printf("qa: %d citations above threshold %.2f, backfilling %d", len(accepted), opts.SimilarityThreshold, need)
	citationBackfills.Add(float64(need))
	return append(accepted, rest[:need]...)
}

// capPerDocument 每个文档最多保留 limit 条，limit 不大于 0 时不限制。
func capPerDocument(candidates []Citation, limit int) []Citation {
	if limit <= 0 {
		return candidates
	}
	counts := make(map[string]int, len(candidates))
	out := make([]Citation, 0, len(candidates))
	for _, candidate := range candidates {
		if counts[candidate.DocumentID] >= limit {
			continue
		}
		counts[candidate.DocumentID]++
		out = append(out, candidate)
	}
	return out
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
