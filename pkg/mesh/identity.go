package mesh

import (
	"crypto/x509"
	"fmt"
	"strconv"
	"strings"

	"github.com/raskyld/pgbarrier"
)

const participantPrefix = "participant-"

// ParticipantName is the name a participant uses on the network: in its
// certificate common name and as its gossip node name.
func ParticipantName(id pgbarrier.ID) string {
	return fmt.Sprintf("%s%d", participantPrefix, id)
}

// ParseParticipantName is the inverse of `ParticipantName`.
func ParseParticipantName(name string) (pgbarrier.ID, error) {
	raw, ok := strings.CutPrefix(name, participantPrefix)
	if !ok {
		return pgbarrier.UnknownPeer, fmt.Errorf("%w: %q", ErrInvalidParticipant, name)
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		return pgbarrier.UnknownPeer, fmt.Errorf("%w: %q", ErrInvalidParticipant, name)
	}
	return pgbarrier.ID(id), nil
}

// IdentityResolver resolves which participant id a peer is entitled to
// from the certificates it presented.
//
// The contract of this function is:
//
// *Implementations* MUST NOT be blocking, since they are invoked on
// the channel establishment critical path.
//
// When a resolver is configured, a peer announcing an id it is not
// entitled to is rejected, so no participant can forge another's id.
type IdentityResolver func(certs []*x509.Certificate) (pgbarrier.ID, error)

// CommonNameResolver reads the id from a `participant-<id>` subject
// common name.
func CommonNameResolver(certs []*x509.Certificate) (pgbarrier.ID, error) {
	if len(certs) == 0 {
		return pgbarrier.UnknownPeer, fmt.Errorf("%w: no client certificate", ErrIdentityMismatch)
	}

	return ParseParticipantName(certs[0].Subject.CommonName)
}
