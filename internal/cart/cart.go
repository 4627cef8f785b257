package cart

import (
	"errors"
	"sync"

	"github.com/gabri117/libreria/internal/domain"
	"github.com/gabri117/libreria/internal/pricing"
	"github.com/shopspring/decimal"
)

var (
	ErrCartHeld     = errors.New("cart is held by a sale submission in progress")
	ErrLineNotFound = errors.New("product is not in the cart")
)

// Line is one product in the cart. Product is the catalog snapshot taken
// when the product was first added.
type Line struct {
	Product   domain.Product  `json:"product"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

func (l *Line) recompute() {
	l.Subtotal = l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Snapshot is a point-in-time copy of the cart, safe to hand to other goroutines.
type Snapshot struct {
	Client *domain.Client  `json:"client"`
	Lines  []Line          `json:"lines"`
	Total  decimal.Decimal `json:"total"`
	Held   bool            `json:"held"`
}

// Cart is the operator's in-progress sale. Lines keep insertion order and
// there is at most one line per product. Total is recomputed after every
// mutation, so it always equals the sum of the line subtotals.
//
// While a submission holds the cart (see Hold), every mutation fails with
// ErrCartHeld.
type Cart struct {
	mu     sync.Mutex
	lines  []*Line
	client *domain.Client
	total  decimal.Decimal
	held   bool
}

func New() *Cart {
	return &Cart{total: decimal.Zero}
}

// AddProduct adds one unit of p. An existing line keeps its snapshot and has
// its price re-resolved against the currently selected tier.
// Stock is not checked here; callers enforce quantity <= stock.
func (c *Cart) AddProduct(p domain.Product) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held {
		return ErrCartHeld
	}

	tier := pricing.TierFor(c.client)

	if line := c.find(p.ID); line != nil {
		price, err := pricing.ResolvePrice(&line.Product, tier)
		if err != nil {
			return err
		}
		line.Quantity++
		line.UnitPrice = price
		line.recompute()
		c.recomputeTotal()
		return nil
	}

	price, err := pricing.ResolvePrice(&p, tier)
	if err != nil {
		return err
	}
	line := &Line{Product: p, Quantity: 1, UnitPrice: price}
	line.recompute()
	c.lines = append(c.lines, line)
	c.recomputeTotal()
	return nil
}

// RemoveProduct deletes the line for productID. Removing an absent product is a no-op.
func (c *Cart) RemoveProduct(productID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held {
		return ErrCartHeld
	}
	c.remove(productID)
	return nil
}

// SetQuantity sets the line quantity without re-resolving its price.
// A quantity of zero or less removes the line.
func (c *Cart) SetQuantity(productID int64, quantity int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held {
		return ErrCartHeld
	}

	if quantity <= 0 {
		c.remove(productID)
		return nil
	}

	line := c.find(productID)
	if line == nil {
		return ErrLineNotFound
	}
	line.Quantity = quantity
	line.recompute()
	c.recomputeTotal()
	return nil
}

// SelectClient sets the client (nil clears the selection) and re-prices every
// line against the client's tier. Prices are resolved before anything is
// changed, so on error the cart is left as it was.
func (c *Cart) SelectClient(client *domain.Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held {
		return ErrCartHeld
	}

	var selected *domain.Client
	if client != nil {
		cl := *client
		selected = &cl
	}

	tier := pricing.TierFor(selected)
	if err := pricing.ValidateTier(tier); err != nil {
		return err
	}
	prices := make([]decimal.Decimal, len(c.lines))
	for i, line := range c.lines {
		price, err := pricing.ResolvePrice(&line.Product, tier)
		if err != nil {
			return err
		}
		prices[i] = price
	}

	c.client = selected
	for i, line := range c.lines {
		line.UnitPrice = prices[i]
		line.recompute()
	}
	c.recomputeTotal()
	return nil
}

// Clear empties the cart, resets the client and releases any hold.
func (c *Cart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// Discard is Clear for operators: it refuses while a submission holds the cart.
func (c *Cart) Discard() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held {
		return ErrCartHeld
	}
	c.reset()
	return nil
}

func (c *Cart) reset() {
	c.lines = nil
	c.client = nil
	c.total = decimal.Zero
	c.held = false
}

// Hold freezes the cart for a sale submission and returns what is being submitted.
func (c *Cart) Hold() (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.held {
		return Snapshot{}, ErrCartHeld
	}
	c.held = true
	return c.snapshot(), nil
}

// Release lifts a hold without changing the cart.
func (c *Cart) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = false
}

func (c *Cart) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Cart) Total() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Cart) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyLines()
}

// Client returns a copy of the selected client, or nil when none is selected.
func (c *Cart) Client() *domain.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	cl := *c.client
	return &cl
}

// Quantity returns how many units of productID are in the cart.
func (c *Cart) Quantity(productID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if line := c.find(productID); line != nil {
		return line.Quantity
	}
	return 0
}

func (c *Cart) snapshot() Snapshot {
	s := Snapshot{
		Lines: c.copyLines(),
		Total: c.total,
		Held:  c.held,
	}
	if c.client != nil {
		cl := *c.client
		s.Client = &cl
	}
	return s
}

func (c *Cart) copyLines() []Line {
	lines := make([]Line, 0, len(c.lines))
	for _, line := range c.lines {
		lines = append(lines, *line)
	}
	return lines
}

func (c *Cart) find(productID int64) *Line {
	for _, line := range c.lines {
		if line.Product.ID == productID {
			return line
		}
	}
	return nil
}

func (c *Cart) remove(productID int64) {
	for i, line := range c.lines {
		if line.Product.ID == productID {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			c.recomputeTotal()
			return
		}
	}
}

func (c *Cart) recomputeTotal() {
	total := decimal.Zero
	for _, line := range c.lines {
		total = total.Add(line.Subtotal)
	}
	c.total = total
}
