package bus

// TransformFunc rewrites or drops an event before re-publication. A false
// return drops the event.
type TransformFunc func(event EventType, data interface{}) (EventType, interface{}, bool)

// Filter forwards events to a target sink, dropping those that do not
// match. It multiplexes a shared cluster-wide channel down to the
// subscribers of one execution: field/value matching covers the common
// case, Transform covers the rest.
type Filter struct {
	Target      Sink
	FilterField string
	FilterValue interface{}
	Transform   TransformFunc
}

// Send applies the filter and forwards matching events
func (f *Filter) Send(event EventType, data interface{}) error {
	if f.Transform != nil {
		ev, d, keep := f.Transform(event, data)
		if !keep {
			return nil
		}
		return f.Target.Send(ev, d)
	}
	if f.FilterField != "" {
		m, ok := data.(map[string]interface{})
		if !ok || m[f.FilterField] != f.FilterValue {
			return nil
		}
	}
	return f.Target.Send(event, data)
}

// SendComment forwards comments unfiltered
func (f *Filter) SendComment(comment string) error {
	return f.Target.SendComment(comment)
}
