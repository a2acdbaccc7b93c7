// Package scoring estimates how close a conversation is to a purchase
// decision. The scorer is pluggable so the keyword heuristic can be replaced
// without touching the dispatcher.
package scoring

import (
	"strings"
)

// Temperature labels a conversation by purchase intent.
type Temperature string

const (
	Cold Temperature = "cold"
	Warm Temperature = "warm"
	Hot  Temperature = "hot"
)

// Scorer assigns a temperature to a conversation given its recent inbound
// text. Implementations must be safe for concurrent use.
type Scorer interface {
	Score(recentInbound []string) Temperature
}

// KeywordScorer is the default heuristic: counts intent keywords across the
// recent inbound messages and maps the hit count to a temperature band.
type KeywordScorer struct {
	hot  []string
	warm []string
}

// NewKeywordScorer builds a scorer with the default Brazilian-Portuguese
// keyword sets used by the pet-service deployments.
func NewKeywordScorer() *KeywordScorer {
	return &KeywordScorer{
		hot: []string{
			"quero agendar", "pode marcar", "vou levar", "fechado",
			"confirmo", "qual horário", "tem vaga", "hoje", "amanhã",
		},
		warm: []string{
			"quanto custa", "qual o preço", "valor", "preço",
			"horário", "funciona", "atende", "quanto fica",
		},
	}
}

// Score implements Scorer. Hot keywords dominate warm ones; a conversation
// with no hits is cold.
func (k *KeywordScorer) Score(recentInbound []string) Temperature {
	var hotHits, warmHits int
	for _, msg := range recentInbound {
		text := strings.ToLower(msg)
		for _, kw := range k.hot {
			if strings.Contains(text, kw) {
				hotHits++
			}
		}
		for _, kw := range k.warm {
			if strings.Contains(text, kw) {
				warmHits++
			}
		}
	}
	switch {
	case hotHits > 0:
		return Hot
	case warmHits > 0:
		return Warm
	default:
		return Cold
	}
}
