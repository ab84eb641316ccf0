package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	smqerrors "github.com/absmach/supermq/pkg/errors"
	"github.com/ethereum/go-ethereum/common"
	hedera "github.com/hiero-ledger/hiero-sdk-go/v2/sdk"

	pkgerrors "github.com/absmach/fedmesh/pkg/errors"
	"github.com/absmach/fedmesh/task"
)

const (
	queryGas   = 100_000
	executeGas = 10_000_000

	submitAttempts = 3
	submitInterval = 3 * time.Second
)

var errNoTopic = errors.New("no consensus topic configured")

// nonRetriable statuses abort the surrounding command with a precise
// reason instead of being retried.
var nonRetriable = map[hedera.Status]bool{
	hedera.StatusContractRevertExecuted: true,
	hedera.StatusInvalidSignature:       true,
}

// Client translates between task entities and the training escrow contract,
// and appends human-readable logs to the consensus topic. It is stateless
// and safe for concurrent use.
type Client struct {
	client     *hedera.Client
	contractID hedera.ContractID
	topicID    *hedera.TopicID
	operator   hedera.AccountID
	logger     *slog.Logger
}

// New builds a testnet ledger client from the operator credentials.
func New(operatorID, operatorKey, contractID, topicID string, logger *slog.Logger) (*Client, error) {
	account, err := hedera.AccountIDFromString(operatorID)
	if err != nil {
		return nil, smqerrors.Wrap(smqerrors.New("invalid operator ID"), err)
	}

	key, err := hedera.PrivateKeyFromStringECDSA(operatorKey)
	if err != nil {
		return nil, smqerrors.Wrap(smqerrors.New("invalid operator key"), err)
	}

	contract, err := hedera.ContractIDFromString(contractID)
	if err != nil {
		return nil, smqerrors.Wrap(smqerrors.New("invalid contract ID"), err)
	}

	client := hedera.ClientForTestnet()
	client.SetOperator(account, key)

	c := &Client{
		client:     client,
		contractID: contract,
		operator:   account,
		logger:     logger,
	}

	if topicID != "" {
		topic, err := hedera.TopicIDFromString(topicID)
		if err != nil {
			return nil, smqerrors.Wrap(smqerrors.New("invalid topic ID"), err)
		}
		c.topicID = &topic
	}

	return c, nil
}

// Close releases the underlying network client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping probes ledger reachability with the cheapest contract view. A
// failure at startup is fatal for client and trainer roles.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetTaskID(ctx)

	return err
}

func uint256(v uint64) []byte {
	return new(big.Int).SetUint64(v).FillBytes(make([]byte, 32))
}

// GetTaskID returns the contract's monotonic task counter, the identifier
// of the most recently created task.
func (c *Client) GetTaskID(ctx context.Context) (uint64, error) {
	result, err := hedera.NewContractCallQuery().
		SetContractID(c.contractID).
		SetGas(queryGas).
		SetFunction("getTaskId", nil).
		Execute(c.client)
	if err != nil {
		return 0, fmt.Errorf("ledger: getTaskId: %w", err)
	}

	return new(big.Int).SetBytes(result.GetUint256(0)).Uint64(), nil
}

// TaskExists reports whether the task is still active on the contract. The
// flag flips to false exactly once, when the last chunk settles.
func (c *Client) TaskExists(ctx context.Context, taskID uint64) (bool, error) {
	params := hedera.NewContractFunctionParameters().AddUint256(uint256(taskID))

	result, err := hedera.NewContractCallQuery().
		SetContractID(c.contractID).
		SetGas(queryGas).
		SetFunction("taskExists", params).
		Execute(c.client)
	if err != nil {
		return false, fmt.Errorf("ledger: taskExists(%d): %w", taskID, err)
	}

	return result.GetBool(0), nil
}

// GetTask reads the task struct from the contract's public mapping.
func (c *Client) GetTask(ctx context.Context, taskID uint64) (task.Task, error) {
	exists, err := c.TaskExists(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if !exists {
		return task.Task{}, fmt.Errorf("%w: task %d", pkgerrors.ErrTaskNotFound, taskID)
	}

	params := hedera.NewContractFunctionParameters().AddUint256(uint256(taskID))

	result, err := hedera.NewContractCallQuery().
		SetContractID(c.contractID).
		SetGas(queryGas).
		SetFunction("tasks", params).
		Execute(c.client)
	if err != nil {
		return task.Task{}, fmt.Errorf("ledger: tasks(%d): %w", taskID, err)
	}

	return task.Task{
		ID:              taskID,
		Depositor:       common.BytesToAddress(result.GetAddress(0)).Hex(),
		ModelRef:        result.GetString(1),
		DatasetRef:      result.GetString(2),
		TotalChunks:     new(big.Int).SetBytes(result.GetUint256(3)).Uint64(),
		RemainingChunks: new(big.Int).SetBytes(result.GetUint256(4)).Uint64(),
		PerChunkReward:  new(big.Int).SetBytes(result.GetUint256(5)),
		Exists:          true,
	}, nil
}

// SubmitWeights submits a trainer's content hash for one chunk. The
// contract decrements remainingChunks and transfers the per-chunk reward.
// Transient failures retry; a revert or signature failure aborts with the
// exact status so the trainer can surface it.
func (c *Client) SubmitWeights(ctx context.Context, taskID uint64, weightsHash string) error {
	params := hedera.NewContractFunctionParameters().
		AddUint256(uint256(taskID)).
		AddString(weightsHash)

	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		tx, err := hedera.NewContractExecuteTransaction().
			SetContractID(c.contractID).
			SetGas(executeGas).
			SetFunction("submitWeights", params).
			Execute(c.client)
		if err != nil {
			lastErr = err
		} else {
			receipt, err := tx.GetReceipt(c.client)
			if err != nil {
				lastErr = err
			} else if receipt.Status == hedera.StatusSuccess {
				c.logger.Info("weights submitted",
					slog.Uint64("task_id", taskID),
					slog.String("weights_hash", weightsHash),
					slog.String("tx", tx.TransactionID.String()))

				return nil
			} else {
				lastErr = fmt.Errorf("ledger: %s", receipt.Status.String())
				if nonRetriable[receipt.Status] {
					return fmt.Errorf("%w: %s", pkgerrors.ErrLedgerRevert, receipt.Status.String())
				}
			}
		}

		c.logger.Warn("submitWeights failed",
			slog.Uint64("task_id", taskID),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr))

		if attempt == submitAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(submitInterval):
		}
	}

	return fmt.Errorf("ledger: submitWeights(%d): %w", taskID, lastErr)
}

// PublishLog appends a free-form message to the consensus topic. Best
// effort; failures are logged and returned, and callers may ignore them
// because the topic is for human observability only.
func (c *Client) PublishLog(ctx context.Context, message string) error {
	if c.topicID == nil {
		return errNoTopic
	}

	tx, err := hedera.NewTopicMessageSubmitTransaction().
		SetTopicID(*c.topicID).
		SetMessage([]byte(message)).
		Execute(c.client)
	if err != nil {
		c.logger.Warn("failed to publish consensus log", slog.Any("error", err))

		return err
	}

	if _, err := tx.GetReceipt(c.client); err != nil {
		c.logger.Warn("consensus log receipt failed", slog.Any("error", err))

		return err
	}

	return nil
}

// AddToWhitelist authorises a trainer account on the contract.
func (c *Client) AddToWhitelist(ctx context.Context, evmAddress string) error {
	return c.executeWithAddress(ctx, "addToWhitelist", evmAddress)
}

// RemoveFromWhitelist revokes a trainer account.
func (c *Client) RemoveFromWhitelist(ctx context.Context, evmAddress string) error {
	return c.executeWithAddress(ctx, "removeFromWhitelist", evmAddress)
}

// IsWhitelisted checks a trainer account's authorisation.
func (c *Client) IsWhitelisted(ctx context.Context, evmAddress string) (bool, error) {
	params, err := hedera.NewContractFunctionParameters().AddAddress(strings.TrimPrefix(evmAddress, "0x"))
	if err != nil {
		return false, fmt.Errorf("ledger: invalid address %q: %w", evmAddress, err)
	}

	result, err := hedera.NewContractCallQuery().
		SetContractID(c.contractID).
		SetGas(queryGas).
		SetFunction("isWhitelisted", params).
		Execute(c.client)
	if err != nil {
		return false, fmt.Errorf("ledger: isWhitelisted: %w", err)
	}

	return result.GetBool(0), nil
}

func (c *Client) executeWithAddress(ctx context.Context, fn, evmAddress string) error {
	params, err := hedera.NewContractFunctionParameters().AddAddress(strings.TrimPrefix(evmAddress, "0x"))
	if err != nil {
		return fmt.Errorf("ledger: invalid address %q: %w", evmAddress, err)
	}

	tx, err := hedera.NewContractExecuteTransaction().
		SetContractID(c.contractID).
		SetGas(executeGas).
		SetFunction(fn, params).
		Execute(c.client)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", fn, err)
	}

	receipt, err := tx.GetReceipt(c.client)
	if err != nil {
		return fmt.Errorf("ledger: %s receipt: %w", fn, err)
	}
	if receipt.Status != hedera.StatusSuccess {
		return fmt.Errorf("ledger: %s: %s", fn, receipt.Status.String())
	}

	return nil
}
