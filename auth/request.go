package auth

import (
	"crypto/sha256"
	"fmt"

	"github.com/onflow/flow-go/crypto"
	"github.com/onflow/flow-go/crypto/hash"

	model "github.com/vectorchat/chunking-validator/model/tournament"
	"github.com/vectorchat/chunking-validator/module"
)

// SignTaskRequest seals one task into its wire envelope for the given
// receiver: a fresh nonce, the transport-level envelope signature and the
// payload-level task signature. Each receiver gets its own envelope, since
// the receiver address is bound into the signed message.
func SignTaskRequest(local module.Local, task *model.Task, receiver string) (*module.TaskRequest, error) {
	docHash := sha256.Sum256([]byte(task.Document))

	taskSig, err := SignTask(local, task, docHash[:])
	if err != nil {
		return nil, err
	}

	canonical, err := model.CanonicalTaskBytes(task, docHash[:])
	if err != nil {
		return nil, fmt.Errorf("could not encode task payload: %w", err)
	}
	bodyHash := sha256.Sum256(canonical)

	nonce := NewNonce()
	message := CanonicalTransportMessage(nonce, local.Address(), receiver, local.Session(), bodyHash[:])
	envelopeSig, err := local.Sign(message, hash.NewSHA3_256())
	if err != nil {
		return nil, fmt.Errorf("could not sign request envelope: %w", err)
	}

	return &module.TaskRequest{
		Task:          task,
		Nonce:         nonce,
		Sender:        local.Address(),
		Session:       local.Session(),
		TaskSignature: taskSig,
		Signature:     envelopeSig,
	}, nil
}

// VerifyTaskRequest runs the full inbound verification for one task request:
// the nonce handshake against the verifier, then the payload-level task
// signature. receiver is the verifying worker's own address and senderKey
// its registry view of the sender's key; both hashes are recomputed from the
// task body, never taken from the wire.
func VerifyTaskRequest(verifier *Verifier, senderKey crypto.PublicKey, req *module.TaskRequest, receiver string) error {
	docHash := sha256.Sum256([]byte(req.Task.Document))
	canonical, err := model.CanonicalTaskBytes(req.Task, docHash[:])
	if err != nil {
		return fmt.Errorf("could not encode task payload: %w", err)
	}
	bodyHash := sha256.Sum256(canonical)

	err = verifier.Verify(&InboundRequest{
		Nonce:     req.Nonce,
		Sender:    req.Sender,
		Session:   req.Session,
		Receiver:  receiver,
		BodyHash:  bodyHash[:],
		Signature: req.Signature,
		PublicKey: senderKey,
	}, req.Task.Timeout)
	if err != nil {
		return err
	}

	valid, err := VerifyTask(senderKey, req.TaskSignature, req.Task, docHash[:])
	if err != nil {
		return fmt.Errorf("could not verify task signature: %w", err)
	}
	if !valid {
		return ErrBadSignature
	}
	return nil
}
