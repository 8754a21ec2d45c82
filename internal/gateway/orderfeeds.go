package gateway

import (
	"sync"
)

// OrderFeeds tracks which rider's location feed is forwarded into which
// order channel. Routes are installed when a rider is assigned to an order
// and released when the order channel loses its last subscriber.
type OrderFeeds struct {
	mu      sync.RWMutex
	byOrder map[string]string              // order id -> rider id
	byRider map[string]map[string]struct{} // rider id -> order ids
}

// NewOrderFeeds creates an empty forwarding table.
func NewOrderFeeds() *OrderFeeds {
	return &OrderFeeds{
		byOrder: make(map[string]string),
		byRider: make(map[string]map[string]struct{}),
	}
}

// Install routes the rider's location updates into the order's channel,
// replacing any previous rider assigned to the order.
func (f *OrderFeeds) Install(orderID, riderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if prev, ok := f.byOrder[orderID]; ok {
		f.dropLocked(orderID, prev)
	}

	f.byOrder[orderID] = riderID
	orders, ok := f.byRider[riderID]
	if !ok {
		orders = make(map[string]struct{})
		f.byRider[riderID] = orders
	}
	orders[orderID] = struct{}{}
}

// Release removes the order's forwarding route, if any.
func (f *OrderFeeds) Release(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	riderID, ok := f.byOrder[orderID]
	if !ok {
		return
	}

	f.dropLocked(orderID, riderID)
}

func (f *OrderFeeds) dropLocked(orderID, riderID string) {
	delete(f.byOrder, orderID)
	if orders, ok := f.byRider[riderID]; ok {
		delete(orders, orderID)
		if len(orders) == 0 {
			delete(f.byRider, riderID)
		}
	}
}

// OrdersForRider returns the orders whose channels should receive the
// rider's location updates.
func (f *OrderFeeds) OrdersForRider(riderID string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	orders, ok := f.byRider[riderID]
	if !ok {
		return nil
	}

	out := make([]string, 0, len(orders))
	for orderID := range orders {
		out = append(out, orderID)
	}

	return out
}
