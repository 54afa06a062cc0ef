package store

// Upsert merges m into msgs by id. An existing entry is replaced in
// place; a new one is inserted after the last message that is not newer,
// so ascending order is kept and equal timestamps stay in arrival order.
// msgs is not modified.
func Upsert(msgs []Message, m Message) []Message {
	out := make([]Message, len(msgs), len(msgs)+1)
	copy(out, msgs)

	for i := range out {
		if out[i].ID == m.ID {
			out[i] = m
			return out
		}
	}

	for i := len(out) - 1; i >= 0; i-- {
		if !m.TS.Before(out[i].TS.Time) {
			out = append(out, Message{})
			copy(out[i+2:], out[i+1:])
			out[i+1] = m
			return out
		}
	}
	return append([]Message{m}, out...)
}
