package envelope

// Stats is the roster progress summary computed fresh on every read.
type Stats struct {
	SignersTotal       int `json:"signers_total"`
	SignersSigned      int `json:"signers_signed"`
	SignersDeclined    int `json:"signers_declined"`
	SignersPending     int `json:"signers_pending"`
	ProgressPercentage int `json:"progress_percentage"`
}

func ComputeStats(env Envelope) Stats {
	st := Stats{SignersTotal: len(env.Signers)}
	for _, s := range env.Signers {
		switch s.Status {
		case SignerSigned:
			st.SignersSigned++
		case SignerDeclined:
			st.SignersDeclined++
		default:
			st.SignersPending++
		}
	}
	if st.SignersTotal > 0 {
		st.ProgressPercentage = st.SignersSigned * 100 / st.SignersTotal
	}
	return st
}
