package model

// WorkItem is one issue or pull request waiting for classification in a run.
// It is created when the run is built and never mutated afterwards. The JSON
// form is the queue payload shared by every queue backend.
type WorkItem struct {
	ID            int64  `json:"issue_id"`
	Number        int    `json:"issue_number"`
	Title         string `json:"title"`
	Body          string `json:"body"`
	HTMLURL       string `json:"html_url"`
	IsPullRequest bool   `json:"is_pull_request"`
	RunKey        string `json:"repo"` // Repository full name, e.g. "lobehub/lobe-chat".
}

// Summary returns the compact form shown in RunStatus.CurrentItems.
func (w WorkItem) Summary() ItemSummary {
	return ItemSummary{
		ID:     w.ID,
		Number: w.Number,
		Title:  w.Title,
	}
}

// ItemSummary identifies an in-flight item without carrying its body.
type ItemSummary struct {
	ID     int64  `json:"id"`
	Number int    `json:"number"`
	Title  string `json:"title"`
}
