package journey

// SampleRun returns a small three-step run: a fast lookup, a slow AI
// enrichment and a fast notification. It backs tests and the CLI demo.
func SampleRun() *Run {
	conf := 0.82
	return &Run{
		ID:        "run-001",
		JourneyID: "lead-enrichment",
		Name:      "Lead enrichment",
		Steps: []Step{
			{
				ID: "s1", Name: "Fetch lead", Type: "lookup", Description: "Load CRM record",
				StartTime: 0, EndTime: 100, Status: StatusCompleted,
				InputData:  MustFromAny(map[string]any{"leadId": "L-42"}),
				OutputData: MustFromAny(map[string]any{"company": "Acme"}),
			},
			{
				ID: "s2", Name: "Enrich company", Type: "ai", Description: "Score the account with an LLM",
				StartTime: 100, EndTime: 5100, Status: StatusCompleted,
				Decision: "qualified", DecisionReason: "score above threshold",
				RetryCount: 1, MaxRetries: 3,
			},
			{
				ID: "s3", Name: "Notify owner", Type: "notify",
				StartTime: 5100, EndTime: 5200, Status: StatusCompleted,
				FallbackTriggered: true, FallbackStrategy: "email", FallbackStepID: "s3b",
			},
		},
		AILogs: []AILog{
			{
				StepID: "s2", ModelID: "gpt-4o", UserPrompt: "Score Acme",
				Response: "qualified", InputTokens: 1500, OutputTokens: 500, TotalTokens: 2000,
				LatencyMs: 4800, CostMicros: 500000, SelectedOutcome: "qualified", Confidence: &conf,
			},
		},
		Errors: []RunError{
			{ID: "e1", StepID: "s2", ErrorCode: "RATE_LIMIT", ErrorType: "provider", Message: "429 from provider", Recovered: true, Retryable: true, RecoveryAction: "retry"},
		},
		Transitions: []Transition{
			{ID: "t1", FromStepID: "s1", ToStepID: "s2", ConditionMet: true, Taken: true},
			{ID: "t2", FromStepID: "s2", ToStepID: "s3", ConditionMet: true, Taken: true},
			{ID: "t3", FromStepID: "s2", ToStepID: "s4", ConditionMet: false, Taken: false},
		},
		Snapshots: []ContextSnapshot{
			{StepID: "s1", Data: Snapshot{"lead": MustFromAny(map[string]any{"id": "L-42", "score": 0.0})}},
			{StepID: "s2", Data: Snapshot{
				"lead":     MustFromAny(map[string]any{"id": "L-42", "score": 87.0}),
				"decision": String("qualified"),
			}},
			{StepID: "s3", Data: Snapshot{
				"lead":     MustFromAny(map[string]any{"id": "L-42", "score": 87.0}),
				"decision": String("qualified"),
				"notified": Bool(true),
			}},
		},
	}
}
