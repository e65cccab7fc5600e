package gateway

import (
	"bytes"
	"fmt"
	"sort"
)

const wsdlNamespace = "http://gateway.ehr.example/legacy"

// WSDL renders the service description for the supported actions. Clients of
// the original gateway fetched this once at integration time; it is generated
// here rather than shipped as a static asset so the action list can never
// drift from the dispatch tables.
func WSDL(service string, actions []string) []byte {
	sorted := make([]string, len(actions))
	copy(sorted, actions)
	sort.Strings(sorted)

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>` + "\n")
	fmt.Fprintf(&buf, `<definitions name=%q targetNamespace=%q xmlns=%q xmlns:tns=%q xmlns:soap=%q>`+"\n",
		service, wsdlNamespace, "http://schemas.xmlsoap.org/wsdl/", wsdlNamespace,
		"http://schemas.xmlsoap.org/wsdl/soap/")

	for _, action := range sorted {
		fmt.Fprintf(&buf, `  <message name="%sRequest"><part name="body" element="tns:%s"/></message>`+"\n", action, action)
		fmt.Fprintf(&buf, `  <message name="%sResponse"><part name="body" element="tns:%sResponse"/></message>`+"\n", action, action)
	}

	fmt.Fprintf(&buf, `  <portType name="%sPortType">`+"\n", service)
	for _, action := range sorted {
		fmt.Fprintf(&buf, `    <operation name=%q><input message="tns:%sRequest"/><output message="tns:%sResponse"/></operation>`+"\n",
			action, action, action)
	}
	buf.WriteString("  </portType>\n")

	fmt.Fprintf(&buf, `  <binding name="%sBinding" type="tns:%sPortType">`+"\n", service, service)
	buf.WriteString(`    <soap:binding style="document" transport="http://schemas.xmlsoap.org/soap/http"/>` + "\n")
	for _, action := range sorted {
		fmt.Fprintf(&buf, `    <operation name=%q><soap:operation soapAction="%s/%s"/><input><soap:body use="literal"/></input><output><soap:body use="literal"/></output></operation>`+"\n",
			action, wsdlNamespace, action)
	}
	buf.WriteString("  </binding>\n")

	fmt.Fprintf(&buf, `  <service name=%q>`+"\n", service)
	fmt.Fprintf(&buf, `    <port name="%sPort" binding="tns:%sBinding"><soap:address location="/soap"/></port>`+"\n", service, service)
	buf.WriteString("  </service>\n")
	buf.WriteString("</definitions>\n")
	return buf.Bytes()
}
