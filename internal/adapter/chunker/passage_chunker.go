package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"docsearch/internal/adapter/analyzer"
	"docsearch/internal/domain"
)

type Config struct {
	SizeTokens    int `yaml:"chunk_size_tokens" toml:"chunk_size_tokens"`
	OverlapTokens int `yaml:"overlap_tokens" toml:"overlap_tokens"`
	MinTokens     int `yaml:"min_chunk_tokens" toml:"min_chunk_tokens"`
}

func DefaultConfig() Config {
	return Config{
		SizeTokens:    200,
		OverlapTokens: 40,
		MinTokens:     20,
	}
}

func (c Config) Validate() error {
	switch {
	case c.SizeTokens <= 0:
		return fmt.Errorf("%w: chunk_size_tokens must be positive, got %d", domain.ErrInvalidConfig, c.SizeTokens)
	case c.OverlapTokens < 0:
		return fmt.Errorf("%w: overlap_tokens must not be negative, got %d", domain.ErrInvalidConfig, c.OverlapTokens)
	case c.MinTokens < 0:
		return fmt.Errorf("%w: min_chunk_tokens must not be negative, got %d", domain.ErrInvalidConfig, c.MinTokens)
	case c.OverlapTokens >= c.SizeTokens:
		return fmt.Errorf("%w: overlap_tokens (%d) must be smaller than chunk_size_tokens (%d)",
			domain.ErrInvalidConfig, c.OverlapTokens, c.SizeTokens)
	}
	return nil
}

// PassageChunker packs paragraphs and sentences into token-bounded passages.
// Output depends only on the config and the input text.
type PassageChunker struct {
	cfg       Config
	tokenizer *analyzer.Tokenizer
}

func NewPassageChunker(cfg Config, tokenizer *analyzer.Tokenizer) (*PassageChunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tokenizer == nil {
		tokenizer = analyzer.NewTokenizer(false)
	}
	return &PassageChunker{cfg: cfg, tokenizer: tokenizer}, nil
}

func (c *PassageChunker) Config() Config {
	return c.cfg
}

// unit is the smallest piece the chunker never splits: a sentence, or a
// hard-cut slice of an oversized sentence.
type unit struct {
	start, end int
	tokens     int
}

// Chunk segments normalized text. Start/End of each chunk are byte offsets
// into text and Text == text[Start:End].
func (c *PassageChunker) Chunk(documentID, text string) ([]domain.Chunk, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	units := c.splitUnits(text)
	if len(units) == 0 {
		return nil, nil
	}

	type span struct{ first, last int }
	var spans []span

	i := 0
	for i < len(units) {
		j := i
		tokens := 0
		for j < len(units) {
			if j > i && tokens+units[j].tokens > c.cfg.SizeTokens {
				break
			}
			tokens += units[j].tokens
			j++
		}
		spans = append(spans, span{i, j - 1})
		if j >= len(units) {
			break
		}
		i = c.overlapStart(units, i, j)
	}

	if n := len(spans); n > 1 && c.cfg.MinTokens > 0 {
		last := spans[n-1]
		tailTokens := sumTokens(units, last.first, last.last)
		if tailTokens < c.cfg.MinTokens {
			prev := spans[n-2]
			merged := sumTokens(units, prev.first, last.last)
			if merged <= c.cfg.SizeTokens+c.cfg.MinTokens {
				spans[n-2].last = last.last
				spans = spans[:n-1]
			}
		}
	}

	chunks := make([]domain.Chunk, 0, len(spans))
	for seq, s := range spans {
		start, end := units[s.first].start, units[s.last].end
		body := text[start:end]
		chunks = append(chunks, domain.Chunk{
			DocumentID:  documentID,
			Sequence:    seq,
			Start:       start,
			End:         end,
			Text:        body,
			ContentHash: ContentHash(body),
			TokenCount:  c.tokenizer.CountTokens(body),
		})
	}
	return chunks, nil
}

// overlapStart picks where the chunk after units[i:j] begins: the earliest
// trailing unit whose suffix still fits the overlap budget and leaves room
// for units[j]. Always returns a value in (i, j].
func (c *PassageChunker) overlapStart(units []unit, i, j int) int {
	next := j
	if c.cfg.OverlapTokens == 0 {
		return next
	}
	acc := 0
	for k := j - 1; k > i; k-- {
		acc += units[k].tokens
		if acc > c.cfg.OverlapTokens || acc+units[j].tokens > c.cfg.SizeTokens {
			break
		}
		next = k
	}
	return next
}

func sumTokens(units []unit, first, last int) int {
	n := 0
	for k := first; k <= last; k++ {
		n += units[k].tokens
	}
	return n
}

// splitUnits breaks text into paragraphs, paragraphs into sentences and
// oversized sentences into SizeTokens-word pieces.
func (c *PassageChunker) splitUnits(text string) []unit {
	var units []unit
	for _, para := range paragraphs(text) {
		for _, sent := range sentences(text, para[0], para[1]) {
			units = append(units, c.hardSplit(text, sent[0], sent[1])...)
		}
	}
	return units
}

func (c *PassageChunker) hardSplit(text string, start, end int) []unit {
	words := analyzer.WordSpans(text[start:end])
	if len(words) <= c.cfg.SizeTokens {
		return []unit{{start: start, end: end, tokens: len(words)}}
	}

	var out []unit
	pieceStart := start
	for w := 0; w < len(words); w += c.cfg.SizeTokens {
		last := min(w+c.cfg.SizeTokens, len(words)) - 1
		pieceEnd := start + words[last][1]
		if last == len(words)-1 {
			pieceEnd = end
		}
		out = append(out, unit{start: pieceStart, end: pieceEnd, tokens: last - w + 1})
		if last+1 < len(words) {
			pieceStart = start + words[last+1][0]
		}
	}
	return out
}

// paragraphs returns [start, end) ranges separated by blank lines.
func paragraphs(text string) [][2]int {
	var out [][2]int
	pos := 0
	for pos < len(text) {
		idx := strings.Index(text[pos:], "\n\n")
		end := len(text)
		if idx >= 0 {
			end = pos + idx
		}
		if s, e := trimRange(text, pos, end); s < e {
			out = append(out, [2]int{s, e})
		}
		if idx < 0 {
			break
		}
		pos = end + 2
	}
	return out
}

// sentences splits text[start:end] after terminal punctuation followed by
// whitespace, and at single line breaks.
func sentences(text string, start, end int) [][2]int {
	var out [][2]int
	sentStart := start
	for i := start; i < end; i++ {
		b := text[i]
		cut := -1
		switch {
		case b == '\n':
			cut = i
		case (b == '.' || b == '!' || b == '?') && (i+1 == end || text[i+1] == ' ' || text[i+1] == '\n'):
			cut = i + 1
		}
		if cut < 0 {
			continue
		}
		if s, e := trimRange(text, sentStart, cut); s < e {
			out = append(out, [2]int{s, e})
		}
		sentStart = cut
	}
	if s, e := trimRange(text, sentStart, end); s < e {
		out = append(out, [2]int{s, e})
	}
	return out
}

func trimRange(text string, start, end int) (int, int) {
	for start < end && (text[start] == ' ' || text[start] == '\n') {
		start++
	}
	for end > start && (text[end-1] == ' ' || text[end-1] == '\n') {
		end--
	}
	return start, end
}

// ContentHash is the hex SHA-256 of a chunk's text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
