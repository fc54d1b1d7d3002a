package auth

import (
	"fmt"

	"github.com/onflow/flow-go/crypto"
	"github.com/onflow/flow-go/crypto/hash"

	model "github.com/vectorchat/chunking-validator/model/tournament"
	"github.com/vectorchat/chunking-validator/module"
)

// SignTask signs the canonical task record with our key, letting third
// parties verify that this coordinator issued the task.
func SignTask(local module.Local, task *model.Task, documentHash []byte) (crypto.Signature, error) {
	message, err := model.CanonicalTaskBytes(task, documentHash)
	if err != nil {
		return nil, fmt.Errorf("could not encode task payload: %w", err)
	}
	sig, err := local.Sign(message, hash.NewSHA3_256())
	if err != nil {
		return nil, fmt.Errorf("could not sign task payload: %w", err)
	}
	return sig, nil
}

// VerifyTask checks an issuer's signature over the canonical task record.
func VerifyTask(publicKey crypto.PublicKey, sig []byte, task *model.Task, documentHash []byte) (bool, error) {
	message, err := model.CanonicalTaskBytes(task, documentHash)
	if err != nil {
		return false, fmt.Errorf("could not encode task payload: %w", err)
	}
	valid, err := publicKey.Verify(sig, message, hash.NewSHA3_256())
	if err != nil {
		return false, fmt.Errorf("could not verify task payload signature: %w", err)
	}
	return valid, nil
}

// VerifyResponse checks a worker's signature over the canonical response
// record: the document binding plus the chunks it produced. A response that
// fails this check is scored as a non-answer.
func VerifyResponse(publicKey crypto.PublicKey, response *model.Response, task *model.Task, documentHash []byte) (bool, error) {
	if len(response.Signature) == 0 {
		return false, nil
	}
	message, err := model.CanonicalResponseBytes(task, documentHash, response.Chunks)
	if err != nil {
		return false, fmt.Errorf("could not encode response payload: %w", err)
	}
	valid, err := publicKey.Verify(response.Signature, message, hash.NewSHA3_256())
	if err != nil {
		return false, fmt.Errorf("could not verify response payload signature: %w", err)
	}
	return valid, nil
}

// SignResponse signs the canonical response record; used by the in-process
// test fixtures and by worker implementations sharing this module.
func SignResponse(local module.Local, task *model.Task, documentHash []byte, chunks []string) (crypto.Signature, error) {
	message, err := model.CanonicalResponseBytes(task, documentHash, chunks)
	if err != nil {
		return nil, fmt.Errorf("could not encode response payload: %w", err)
	}
	sig, err := local.Sign(message, hash.NewSHA3_256())
	if err != nil {
		return nil, fmt.Errorf("could not sign response payload: %w", err)
	}
	return sig, nil
}
