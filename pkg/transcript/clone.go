package transcript

// Clone returns a deep copy that shares no mutable state with c.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = make([]*Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.Clone()
	}
	return &out
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.AgentExecution = m.AgentExecution.Clone()
	out.ToolCalls = cloneToolCalls(m.ToolCalls)
	if m.UserQuestion != nil {
		q := *m.UserQuestion
		q.Options = append([]QuestionOption(nil), q.Options...)
		q.Answers = append([]string(nil), q.Answers...)
		out.UserQuestion = &q
	}
	out.Citations = append([]Citation(nil), m.Citations...)
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.Error != nil {
		e := *m.Error
		out.Error = &e
	}
	return &out
}

// Clone returns a deep copy of the execution.
func (e *AgentExecutionState) Clone() *AgentExecutionState {
	if e == nil {
		return nil
	}
	out := *e
	out.Phases = make([]*Phase, len(e.Phases))
	for i, p := range e.Phases {
		cp := *p
		cp.ToolCalls = cloneToolCalls(p.ToolCalls)
		out.Phases[i] = &cp
	}
	out.Subagents = make([]*Subagent, len(e.Subagents))
	for i, s := range e.Subagents {
		cs := *s
		cs.ExecutionPath = append([]string(nil), s.ExecutionPath...)
		out.Subagents[i] = &cs
	}
	if e.Progress != nil {
		p := *e.Progress
		out.Progress = &p
	}
	if e.Error != nil {
		er := *e.Error
		out.Error = &er
	}
	return &out
}

func cloneToolCalls(calls []*ToolCall) []*ToolCall {
	if calls == nil {
		return nil
	}
	out := make([]*ToolCall, len(calls))
	for i, tc := range calls {
		c := *tc
		out[i] = &c
	}
	return out
}
