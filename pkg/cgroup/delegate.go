package cgroup

// Available reads cgroup.controllers of n, the controllers n may use
func Available(h Hierarchy, n Node) (*Controllers, error) {
	b, err := h.Read(n, cgroupControllers)
	if err != nil {
		return nil, err
	}
	return ParseControllers(b), nil
}

// Delegated reads cgroup.subtree_control of n, the controllers the children
// of n may use
func Delegated(h Hierarchy, n Node) (*Controllers, error) {
	b, err := h.Read(n, cgroupSubtreeControl)
	if err != nil {
		return nil, err
	}
	return ParseControllers(b), nil
}

// Delegate enables the controllers in ct for the children of n by writing
// "+<name>" directives to its cgroup.subtree_control. Controllers that are
// already delegated are skipped, so calling it again is a no-op.
func Delegate(h Hierarchy, n Node, ct *Controllers) error {
	cur, err := Delegated(h, n)
	if err != nil {
		return err
	}
	// one directive per write so a failure names the controller
	for _, name := range cur.Missing(ct) {
		if err := h.Write(n, cgroupSubtreeControl, []byte("+"+name)); err != nil {
			return err
		}
	}
	return nil
}
