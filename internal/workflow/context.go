package workflow

// ExecutionContext is the cursor and accumulated data for one workflow run.
// It is passed by value; Advance and WithResult return new contexts and never
// touch the receiver, so a context a caller holds cannot move backwards.
type ExecutionContext struct {
	RequestID        string         `json:"request_id"`
	RequestData      map[string]any `json:"request_data"`
	UserID           string         `json:"user_id"`
	OrganizationID   string         `json:"organization_id"`
	CurrentStepIndex int            `json:"current_step_index"`
	PreviousResults  map[string]any `json:"previous_results"`
}

// NewExecutionContext builds a fresh context positioned at the first step
func NewExecutionContext(requestID string, requestData map[string]any, userID, organizationID string) ExecutionContext {
	if requestData == nil {
		requestData = map[string]any{}
	}
	return ExecutionContext{
		RequestID:        requestID,
		RequestData:      requestData,
		UserID:           userID,
		OrganizationID:   organizationID,
		CurrentStepIndex: 0,
		PreviousResults:  map[string]any{},
	}
}

// Advance returns a copy positioned at the next step
func (c ExecutionContext) Advance() ExecutionContext {
	next := c
	next.PreviousResults = copyResults(c.PreviousResults)
	next.CurrentStepIndex = c.CurrentStepIndex + 1
	return next
}

// WithResult returns a copy with the integration result recorded under stepID
func (c ExecutionContext) WithResult(stepID string, data any) ExecutionContext {
	next := c
	next.PreviousResults = copyResults(c.PreviousResults)
	next.PreviousResults[stepID] = data
	return next
}

func copyResults(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src)+1)
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
