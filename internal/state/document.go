package state

// RollEvent is the transient dice-judgement record the server embeds in
// the document. It persists across updates until the server clears it;
// the id is opaque and unique per roll.
type RollEvent struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Target     int    `json:"target"`
	Sides      int    `json:"sides"`
	Result     int    `json:"result"`
	Outcome    string `json:"outcome"`
	ResultText string `json:"result_text"`
}

// Document is the typed view of the server-owned session document. The
// server is the sole writer; everything here is read-only to consumers.
// CurrentLife is an arbitrarily nested mapping the client renders but
// never interprets.
type Document struct {
	PlayerID               string         `json:"player_id"`
	SessionDate            string         `json:"session_date"`
	OpportunitiesRemaining int            `json:"opportunities_remaining"`
	DailySuccessAchieved   bool           `json:"daily_success_achieved"`
	IsInTrial              bool           `json:"is_in_trial"`
	IsProcessing           bool           `json:"is_processing"`
	CurrentLife            map[string]any `json:"current_life"`
	DisplayHistory         []string       `json:"display_history"`
	RollEvent              *RollEvent     `json:"roll_event"`
	PendingPunishment      map[string]any `json:"pending_punishment"`
	RedemptionCode         string         `json:"redemption_code"`
}

// Clone performs a deep copy so snapshots never share mutable memory
// with the canonical document.
func (d Document) Clone() Document {
	cloned := d
	cloned.CurrentLife = cloneMap(d.CurrentLife)
	cloned.PendingPunishment = cloneMap(d.PendingPunishment)
	if d.DisplayHistory != nil {
		cloned.DisplayHistory = append([]string(nil), d.DisplayHistory...)
	}
	if d.RollEvent != nil {
		event := *d.RollEvent
		cloned.RollEvent = &event
	}
	return cloned
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	copied := make(map[string]any, len(m))
	for k, v := range m {
		copied[k] = cloneValue(v)
	}
	return copied
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneMap(value)
	case []any:
		copied := make([]any, len(value))
		for i, item := range value {
			copied[i] = cloneValue(item)
		}
		return copied
	default:
		return value
	}
}
