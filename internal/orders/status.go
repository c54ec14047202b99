package orders

type Status string

const (
	StatusInitial   Status = "Initial"
	StatusRequested Status = "Requested"
	StatusAccepted  Status = "Accepted"
	StatusSent      Status = "Sent"
	StatusReceived  Status = "Received"
	StatusCanceled  Status = "Canceled"
)

// Accepted, Sent and Received form an unordered set: the seller may jump between
// them freely once the order is paid.
var validNext = map[Status]map[Status]bool{
	StatusInitial:   {StatusRequested: true, StatusCanceled: true},
	StatusRequested: {StatusAccepted: true, StatusSent: true, StatusReceived: true, StatusCanceled: true},
	StatusAccepted:  {StatusAccepted: true, StatusSent: true, StatusReceived: true, StatusCanceled: true},
	StatusSent:      {StatusAccepted: true, StatusSent: true, StatusReceived: true, StatusCanceled: true},
	StatusReceived:  {StatusAccepted: true, StatusSent: true, StatusReceived: true},
	StatusCanceled:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// SellerSettable reports whether an admin may set s through a status update.
func (s Status) SellerSettable() bool {
	return s == StatusAccepted || s == StatusSent || s == StatusReceived
}

// AcceptsOpinion reports whether the buyer may leave an opinion in status s.
func (s Status) AcceptsOpinion() bool {
	return s == StatusReceived || s == StatusCanceled
}
