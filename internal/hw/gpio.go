package hw

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// OutputPin is a push-pull digital output (CS, CE).
type OutputPin interface {
	Set(high bool) error
	Close() error
}

// InputPin is a digital input with level read (IRQ, active low).
type InputPin interface {
	Read() (bool, error)
	Close() error
}

type cdevOutput struct {
	line *gpiocdev.Line
}

type cdevInput struct {
	line *gpiocdev.Line
}

// RequestOutput claims a gpiochip line as an output at the given initial
// level.
func RequestOutput(chip string, offset int, consumer string, initialHigh bool) (OutputPin, error) {
	initial := 0
	if initialHigh {
		initial = 1
	}
	line, err := gpiocdev.RequestLine(
		chip,
		offset,
		gpiocdev.AsOutput(initial),
		gpiocdev.WithConsumer(consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("request output line %s:%d: %w", chip, offset, err)
	}
	return &cdevOutput{line: line}, nil
}

// RequestInput claims a gpiochip line as an input with pull-up, suitable for
// the transceiver's open-drain style active-low IRQ.
func RequestInput(chip string, offset int, consumer string) (InputPin, error) {
	line, err := gpiocdev.RequestLine(
		chip,
		offset,
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithConsumer(consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("request input line %s:%d: %w", chip, offset, err)
	}
	return &cdevInput{line: line}, nil
}

func (p *cdevOutput) Set(high bool) error {
	v := 0
	if high {
		v = 1
	}
	if err := p.line.SetValue(v); err != nil {
		return fmt.Errorf("set line value: %w", err)
	}
	return nil
}

func (p *cdevOutput) Close() error {
	return p.line.Close()
}

func (p *cdevInput) Read() (bool, error) {
	v, err := p.line.Value()
	if err != nil {
		return false, fmt.Errorf("read line value: %w", err)
	}
	return v != 0, nil
}

func (p *cdevInput) Close() error {
	return p.line.Close()
}
