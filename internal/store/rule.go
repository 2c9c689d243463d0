package store

import "time"

// Rule is one keyword auto-reply rule owned by a tenant.
type Rule struct {
	ID       int64
	TenantID string
	Keyword  string
	Reply    string
	Enabled  bool
}

// RuleStore persists bot auto-reply rules.
type RuleStore struct {
	store *Store
}

// NewRuleStore creates a new RuleStore.
func NewRuleStore(s *Store) *RuleStore {
	return &RuleStore{store: s}
}

// Put stores a rule, assigning its id on insert.
func (s *RuleStore) Put(r *Rule) error {
	now := time.Now().Unix()
	res, err := s.store.Exec(`
		INSERT INTO waflow_bot_rules (tenant_id, keyword, reply, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.TenantID, r.Keyword, r.Reply, boolToInt(r.Enabled), now)
	if err != nil {
		return unavailable("put rule", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		r.ID = id
	}
	return nil
}

// ForTenant returns a tenant's enabled rules in creation order.
func (s *RuleStore) ForTenant(tenantID string) ([]*Rule, error) {
	rows, err := s.store.Query(`
		SELECT id, tenant_id, keyword, reply, enabled
		FROM waflow_bot_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`, tenantID)
	if err != nil {
		return nil, unavailable("rules for tenant", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		var r Rule
		var enabled int
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Keyword, &r.Reply, &enabled); err != nil {
			return nil, unavailable("rules for tenant", err)
		}
		r.Enabled = enabled != 0
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

// Delete removes a rule by id.
func (s *RuleStore) Delete(id int64) error {
	_, err := s.store.Exec(`DELETE FROM waflow_bot_rules WHERE id = ?`, id)
	if err != nil {
		return unavailable("delete rule", err)
	}
	return nil
}
