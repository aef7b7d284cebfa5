package migrations

// Store adapts the package-level query helpers to the interface the
// diagnose engine consumes.
type Store struct{}

func (Store) SessionExists(id string) bool {
	return GetChatSession(id) != nil
}

func (Store) RecentUserMessages(sessionID string, limit int) []string {
	return RecentUserMessages(sessionID, limit)
}

func (Store) AppendMessage(sessionID, role, content string, payload []byte) error {
	_, err := AppendMessage(sessionID, role, content, payload)
	return err
}

func (Store) SessionState(sessionID string) (string, []byte, bool) {
	return GetSessionState(sessionID)
}

func (Store) SaveSessionState(sessionID, kind string, payload []byte) error {
	return UpsertSessionState(sessionID, kind, payload)
}

func (Store) AssistantPayloads(sessionID string) [][]byte {
	return AssistantPayloads(sessionID)
}
