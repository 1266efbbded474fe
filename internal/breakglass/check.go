package breakglass

// FindEffective returns the effective session granted to requester on
// node, or nil when none exists. Unreadable session files are skipped:
// they can only ever withhold access, never grant it.
func (m *Manager) FindEffective(requester, node string) *Session {
	sessions, err := m.List()
	if err != nil {
		return nil
	}
	now := m.now()
	for i := range sessions {
		s := &sessions[i]
		if s.Requester != requester || s.TargetNode != node {
			continue
		}
		if IsEffective(s, now) {
			return s
		}
	}
	return nil
}

// HasEffective reports whether requester holds an effective session on node.
func (m *Manager) HasEffective(requester, node string) bool {
	return m.FindEffective(requester, node) != nil
}
