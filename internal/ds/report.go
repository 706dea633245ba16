package ds

// Report is the JSON document returned to callers and archived after each
// run. Error is omitted on success.
type Report struct {
	Success bool            `json:"success"`
	Results ProvisionResult `json:"results"`
	Error   string          `json:"error,omitempty"`
}

// Report converts the outcome into its wire form.
func (o *Outcome) Report() Report {
	rep := Report{Success: o.Success, Results: o.Result}
	if o.Err != nil {
		rep.Error = o.Err.Error()
	}
	return rep
}
