package xcall

import "fmt"

// StatusText renders a human readable status for a transaction and its hops
func StatusText(tx *Transaction, hops []*Message) string {
	switch tx.Status {
	case TxSuccess:
		return "Completed"
	case TxFailure:
		if tx.FailureReason != "" {
			return "Failed: " + tx.FailureReason
		}
		for _, h := range hops {
			if h != nil && h.Status == StatusExecutedFailure {
				return "Failed: " + FailureReasonFrom(h)
			}
		}
		return "Failed"
	}

	total := 1
	if tx.SecondaryHopRequired {
		total = 2
	}
	var current *Message
	for _, h := range hops {
		if h != nil {
			current = h
		}
	}
	if current == nil {
		return "Pending: submitted"
	}

	var phase string
	switch current.Status {
	case StatusRequested:
		if _, ok := current.Events[MessageSent]; ok {
			phase = "sent, waiting for relay"
		} else {
			phase = "waiting for source confirmation"
		}
	case StatusInProgress:
		phase = "delivered, waiting for execution"
	case StatusExecutedSuccess:
		phase = "executed"
	case StatusExecutedFailure:
		phase = "rejected"
	}
	text := fmt.Sprintf("Pending: %s to %s (step %d of %d): %s",
		current.SourceChainID, current.DestinationChainID, current.Hop, total, phase)
	if current.Stalled {
		text += " [delayed"
		if current.StalledReason != "" {
			text += ": " + current.StalledReason
		}
		text += "]"
	}
	return text
}
