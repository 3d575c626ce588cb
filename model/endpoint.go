package model

// Endpoint describes an addressable remote service that performs activity work.
type Endpoint struct {
	ServiceID  string
	EndpointID string
	Address    string
}

// Key returns the lookup key of the endpoint.
func (e Endpoint) Key() EndpointKey {
	return EndpointKey{ServiceID: e.ServiceID, EndpointID: e.EndpointID}
}

// EndpointKey identifies an endpoint by service and endpoint id.
type EndpointKey struct {
	ServiceID  string
	EndpointID string
}

func (k EndpointKey) String() string {
	return k.ServiceID + "/" + k.EndpointID
}

// Message is an outbound task message.
type Message struct {
	Destination   Endpoint
	Method        string
	Headers       []Header
	Body          []byte
	Attachments   map[string][]byte
	CorrelationID string
}
