package processing

type paramRow struct {
	temperature float64
	standard    int
	advanced    int
}

func (r paramRow) forTier(tier Tier) Parameters {
	p := Parameters{Temperature: r.temperature, MaxTokens: r.standard}
	if tier == TierAdvanced {
		p.MaxTokens = r.advanced
	}
	return p
}

// Briefer summaries run colder; output budgets grow with the level.
var summaryParams = map[int]paramRow{
	1: {temperature: 0.2, standard: 150, advanced: 250},
	2: {temperature: 0.3, standard: 300, advanced: 500},
	3: {temperature: 0.4, standard: 600, advanced: 1000},
	4: {temperature: 0.5, standard: 1000, advanced: 1600},
	5: {temperature: 0.6, standard: 1500, advanced: 2400},
}

// Temperature rises along formal, casual, creative.
var rewriteParams = map[Tone]paramRow{
	ToneFormal:   {temperature: 0.3, standard: 4096, advanced: 8192},
	ToneCasual:   {temperature: 0.7, standard: 4096, advanced: 8192},
	ToneCreative: {temperature: 0.9, standard: 4096, advanced: 8192},
}

// SelectParameters looks up the generation parameters for a mode, its
// sub-option and the model tier. It is total: combinations outside the
// table get the summarize level 3 standard row.
func SelectParameters(mode Mode, tone Tone, level int, tier Tier) Parameters {
	switch mode {
	case ModeSummarize:
		if row, ok := summaryParams[level]; ok {
			return row.forTier(tier)
		}
	case ModeRewrite:
		if row, ok := rewriteParams[tone]; ok {
			return row.forTier(tier)
		}
	}
	return summaryParams[3].forTier(TierStandard)
}
