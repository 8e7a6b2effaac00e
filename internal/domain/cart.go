package domain

// Cart is the priced cart snapshot handed to the engine.
type Cart struct {
	Items       []CartItem `json:"items" validate:"required,min=1,max=500,dive"`
	Subtotal    Money      `json:"subtotal"`
	DeliveryFee Money      `json:"deliveryFee"`
	TotalAmount Money      `json:"totalAmount"`
	Location    *Location  `json:"location,omitempty"`
}

// CartItem is a single cart line.
type CartItem struct {
	ProductID  string   `json:"productId" validate:"required,max=128"`
	VariantID  string   `json:"variantId,omitempty"`
	Quantity   int64    `json:"quantity" validate:"gt=0"`
	UnitPrice  Money    `json:"unitPrice"`
	TotalPrice Money    `json:"totalPrice"`
	Tags       []string `json:"tags,omitempty"`
	CategoryID string   `json:"category,omitempty"`
}

// Currency returns the currency the cart is priced in.
func (c *Cart) Currency() string {
	return c.TotalAmount.Currency
}

// TagSet returns the union of tags across all items.
func (c *Cart) TagSet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, item := range c.Items {
		for _, tag := range item.Tags {
			set[tag] = struct{}{}
		}
	}
	return set
}

// CategorySet returns the union of category ids across all items.
func (c *Cart) CategorySet() map[string]struct{} {
	set := make(map[string]struct{})
	for _, item := range c.Items {
		if item.CategoryID != "" {
			set[item.CategoryID] = struct{}{}
		}
	}
	return set
}

// EffectiveLocation returns the cart delivery location when present,
// otherwise the customer's own location.
func (c *Cart) EffectiveLocation(customer *Customer) Location {
	if c.Location != nil {
		return *c.Location
	}
	return customer.Location
}
