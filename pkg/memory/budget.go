package memory

// estimateTokens approximates token counts without a tokenizer. English
// prose runs roughly 2.5 characters per token.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	runes := []rune(text)
	est := len(runes) * 2 / 5
	if est < 1 {
		est = 1
	}
	return est
}

func estimateEventTokens(ev SessionEvent) int {
	total := estimateTokens(ev.Content)
	for _, part := range ev.Parts {
		total += estimateTokens(part)
	}
	// Fixed overhead per event for role/framing.
	return total + 4
}

func estimateEventsTokens(events []SessionEvent) int {
	total := 0
	for _, ev := range events {
		total += estimateEventTokens(ev)
	}
	return total
}

// ContextBudget splits the per-turn token budget between the sections of
// an assembled context.
type ContextBudget struct {
	Total        int
	History      int
	Memories     int
	Knowledge    int
	Instructions int
}

// DeriveContextBudget allocates a total budget: history gets the largest
// share, memories next, then knowledge, with the remainder reserved for
// instructions and tool specs.
func DeriveContextBudget(total int) ContextBudget {
	if total <= 0 {
		total = 8192
	}
	return ContextBudget{
		Total:     total,
		History:   total * 45 / 100,
		Memories:  total * 25 / 100,
		Knowledge: total * 10 / 100,
		// The remaining ~20% covers instructions and tool specs.
		Instructions: total * 20 / 100,
	}
}
