package system

// Descriptor advertises what a lifecycle service does. It does not change
// runtime behaviour; status endpoints and operators use it to see which
// background components are wired in.
type Descriptor struct {
	Name         string   `json:"name"`
	Domain       string   `json:"domain"`
	Capabilities []string `json:"capabilities,omitempty"`
	// Enabled is false for services registered without their backing
	// provider, for example a scanner with no endpoint configured.
	Enabled bool `json:"enabled"`
}

// Describer is implemented by services that publish a Descriptor.
type Describer interface {
	Descriptor() Descriptor
}

// Describe returns the descriptor of svc, or a minimal one built from its name.
func Describe(svc Service) Descriptor {
	if d, ok := svc.(Describer); ok {
		desc := d.Descriptor()
		if desc.Name == "" {
			desc.Name = svc.Name()
		}
		return desc
	}
	return Descriptor{Name: svc.Name(), Enabled: true}
}

// Descriptors returns the descriptors of every registered service in start
// order.
func (m *Manager) Descriptors() []Descriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Descriptor, len(m.services))
	for i, svc := range m.services {
		out[i] = Describe(svc)
	}
	return out
}
