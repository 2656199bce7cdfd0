package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/0xPolygon/cdk-rpc/rpc"
	"github.com/xcall-tracker/xtracker/orchestrator"
	"github.com/xcall-tracker/xtracker/rpc/types"
	"github.com/xcall-tracker/xtracker/xcall"
)

type XCallClientInterface interface {
	GetTransaction(id string) (*types.TransactionView, error)
	GetMessages(transactionID string) ([]*xcall.Message, error)
	ListTransactions(status string, limit, offset uint64) ([]*xcall.Transaction, error)
	EstimateFee(intent xcall.TransactionIntent) (*types.FeeEstimate, error)
	Initiate(intent xcall.TransactionIntent) (*xcall.Transaction, error)
	Track(req orchestrator.TrackRequest) (*xcall.Transaction, error)
	Watermarks() ([]types.Watermark, error)
}

// GetTransaction returns a transaction with its hops
func (c *Client) GetTransaction(id string) (*types.TransactionView, error) {
	var result types.TransactionView
	if err := c.call(&result, "xcall_getTransaction", id); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetMessages(transactionID string) ([]*xcall.Message, error) {
	var result []*xcall.Message
	if err := c.call(&result, "xcall_getMessages", transactionID); err != nil {
		return nil, err
	}
	return result, nil
}

// ListTransactions returns the newest transactions, status "" matches any status
func (c *Client) ListTransactions(status string, limit, offset uint64) ([]*xcall.Transaction, error) {
	var result []*xcall.Transaction
	if err := c.call(&result, "xcall_listTransactions", status, limit, offset); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) EstimateFee(intent xcall.TransactionIntent) (*types.FeeEstimate, error) {
	var result types.FeeEstimate
	if err := c.call(&result, "xcall_estimateFee", intent); err != nil {
		return nil, err
	}
	return &result, nil
}

// Initiate asks the server to sign and submit the intent with its configured signer
func (c *Client) Initiate(intent xcall.TransactionIntent) (*xcall.Transaction, error) {
	var result xcall.Transaction
	if err := c.call(&result, "xcall_initiate", intent); err != nil {
		return nil, err
	}
	return &result, nil
}

// Track registers a transaction broadcast outside the server
func (c *Client) Track(req orchestrator.TrackRequest) (*xcall.Transaction, error) {
	var result xcall.Transaction
	if err := c.call(&result, "xcall_track", req); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Watermarks() ([]types.Watermark, error) {
	var result []types.Watermark
	if err := c.call(&result, "xcall_watermarks"); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) call(result interface{}, method string, parameters ...interface{}) error {
	response, err := rpc.JSONRPCCall(c.url, method, parameters...)
	if err != nil {
		return err
	}
	if response.Error != nil {
		return fmt.Errorf("%v %v", response.Error.Code, response.Error.Message)
	}
	return json.Unmarshal(response.Result, result)
}
