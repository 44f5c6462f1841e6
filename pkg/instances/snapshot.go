package instances

import (
	"time"

	"go.f110.dev/xerrors"

	"go.f110.dev/instances/pkg/database"
)

// Instance is a member of the live set as seen by the local engine.
// Values handed out by the engine are copies and must be treated as read-only.
type Instance struct {
	Id        string    `json:"id"`
	Role      Role      `json:"role"`
	Payload   []byte    `json:"payload,omitempty"`
	StartedAt time.Time `json:"started_at"`
	LastSeen  time.Time `json:"last_seen"`

	codec Codec
}

// Decode decodes the payload into v with the codec of the engine that produced the instance.
func (i *Instance) Decode(v any) error {
	c := i.codec
	if c == nil {
		c = JSONCodec{}
	}
	if err := c.Unmarshal(i.Payload, v); err != nil {
		return xerrors.WithStack(err)
	}
	return nil
}

func (i *Instance) clone() *Instance {
	n := *i
	if i.Payload != nil {
		n.Payload = append([]byte(nil), i.Payload...)
	}
	return &n
}

// Snapshot is an immutable view of the membership produced by one update cycle.
type Snapshot struct {
	Version   uint64      `json:"version"`
	UpdatedAt time.Time   `json:"updated_at"`
	Self      *Instance   `json:"self"`
	Instances []*Instance `json:"instances"`
	Leader    string      `json:"leader,omitempty"`
}

func (s *Snapshot) Count() int {
	return len(s.Instances)
}

func (s *Snapshot) HasLeader() bool {
	return s.Leader != ""
}

func (s *Snapshot) Get(id string) (*Instance, bool) {
	for _, v := range s.Instances {
		if v.Id == id {
			return v.clone(), true
		}
	}
	return nil, false
}

func (s *Snapshot) List() []*Instance {
	result := make([]*Instance, len(s.Instances))
	for i, v := range s.Instances {
		result[i] = v.clone()
	}
	return result
}

// records returns the live set as backend records. Used to carry peers over into the next cycle.
func (s *Snapshot) records() []*database.InstanceRecord {
	result := make([]*database.InstanceRecord, len(s.Instances))
	for i, v := range s.Instances {
		result[i] = &database.InstanceRecord{
			Id:        v.Id,
			Payload:   v.Payload,
			StartedAt: v.StartedAt,
			LastSeen:  v.LastSeen,
		}
	}
	return result
}
