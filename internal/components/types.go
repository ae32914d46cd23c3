// Package components implements the unified chainable request interface.
// Every component takes the same input shape and produces an output that
// can feed the next component's previous_outputs list.
package components

// NoUpdate is the sentinel notebook value meaning "nothing changed".
const NoUpdate = "no update"

// InputItem is one user query inside a component request.
type InputItem struct {
	UserQuery string `json:"user_query"`
}

// OutputData is the two-channel result: a conversational answer plus an
// optional working document ("notebook").
type OutputData struct {
	ImmediateResponse string `json:"immediate_response"`
	Notebook          string `json:"notebook"`
}

// PreviousOutput chains an earlier component's result into a request.
type PreviousOutput struct {
	CID       string      `json:"cid,omitempty"`
	Task      string      `json:"task"`
	Input     []InputItem `json:"input,omitempty"`
	Output    OutputData  `json:"output"`
	Component string      `json:"component"`
}

// Input is the unified request shape shared by all components.
type Input struct {
	CID                    string           `json:"cid"`
	Task                   string           `json:"task"`
	Input                  []InputItem      `json:"input"`
	PreviousOutputs        []PreviousOutput `json:"previous_outputs,omitempty"`
	UseConversationHistory bool             `json:"use_conversation_history,omitempty"`
	UsePlaybook            bool             `json:"use_playbook,omitempty"`
}

// Output is the unified response shape shared by all components.
type Output struct {
	CID       string      `json:"cid"`
	Task      string      `json:"task"`
	Input     []InputItem `json:"input"`
	Output    OutputData  `json:"output"`
	Component string      `json:"component"`
}

// FeedbackItem is one problem/suggestion pair from output analysis.
type FeedbackItem struct {
	Problem    string `json:"problem"`
	Suggestion string `json:"suggestion"`
}
