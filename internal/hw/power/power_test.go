package power

import (
	"testing"

	"github.com/cjeanneret/camzilla/internal/hw/gpio"
)

var testPins = PinMap{
	Ext: [Ports]int{17, 27, 22},
	USB: [Ports]int{5, 6, 13},
}

func TestGPIOControl_OnOffStatus(t *testing.T) {
	drv := gpio.NewMockDriver()
	c, err := NewGPIOControl(drv, testPins, false)
	if err != nil {
		t.Fatalf("NewGPIOControl: %v", err)
	}

	if err := c.On(USB, 2); err != nil {
		t.Fatalf("On: %v", err)
	}
	if l, _ := drv.ReadPin(6); l != gpio.High {
		t.Errorf("usb2 pin level = %v, want High", l)
	}
	on, err := c.Status(USB, 2)
	if err != nil || !on {
		t.Errorf("Status(usb2) = %v, %v; want true", on, err)
	}
	on, _ = c.Status(Ext, 2)
	if on {
		t.Error("ext2 should still be off")
	}

	if err := c.Off(USB, 2); err != nil {
		t.Fatalf("Off: %v", err)
	}
	if on, _ := c.Status(USB, 2); on {
		t.Error("usb2 should be off")
	}
}

func TestGPIOControl_ActiveLow(t *testing.T) {
	drv := gpio.NewMockDriver()
	c, err := NewGPIOControl(drv, testPins, true)
	if err != nil {
		t.Fatal(err)
	}
	// mock pins start Low, which reads as "on" for active-low relays
	if on, _ := c.Status(Ext, 1); !on {
		t.Error("active-low: Low pin should read as on")
	}
	if err := c.Off(Ext, 1); err != nil {
		t.Fatal(err)
	}
	if l, _ := drv.ReadPin(17); l != gpio.High {
		t.Errorf("active-low off should drive High, got %v", l)
	}
}

func TestGPIOControl_PortOutOfRange(t *testing.T) {
	c, err := NewGPIOControl(gpio.NewMockDriver(), testPins, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, port := range []int{0, 4, -1} {
		if err := c.On(Ext, port); err == nil {
			t.Errorf("On(ext, %d) should fail", port)
		}
		if _, err := c.Status(USB, port); err == nil {
			t.Errorf("Status(usb, %d) should fail", port)
		}
	}
}

func TestBank_String(t *testing.T) {
	if Ext.String() != "ext" || USB.String() != "usb" {
		t.Errorf("unexpected bank names %q %q", Ext, USB)
	}
}
