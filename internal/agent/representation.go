package agent

// representation is the read-only agent view handed to handlers. It holds
// no reference back to the runtime.
type representation struct {
	name    string
	address string
	sign    func(digest []byte) string
}

func (r *representation) Name() string    { return r.name }
func (r *representation) Address() string { return r.address }

func (r *representation) Identifier() string {
	if r.name == "" {
		return r.address
	}
	return r.name + "/" + r.address
}

func (r *representation) Sign(digest []byte) string { return r.sign(digest) }
