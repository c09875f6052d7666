package work

// Payload is an opaque key/value bag passed into and out of job logic.
//
// Values are copied on merge; a successor never sees or mutates its
// predecessor's map.
type Payload map[string]string

func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	cp := make(Payload, len(p))
	for k, v := range p {
		cp[k] = v
	}
	return cp
}

// Merge returns a new payload containing p overlaid with src.
// Keys present in both take src's value. Neither input is mutated.
func (p Payload) Merge(src Payload) Payload {
	if len(src) == 0 {
		return p.Clone()
	}
	out := make(Payload, len(p)+len(src))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}
